package download

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/moby/term"
)

// ProgressOutput returns the writer progress should render to, or nil when w
// is not attached to a terminal. Non-terminal output stays clean of control
// characters.
func ProgressOutput(w io.Writer) io.Writer {
	f, ok := w.(*os.File)
	if !ok {
		return nil
	}
	if _, isTerminal := term.GetFdInfo(f); !isTerminal {
		return nil
	}
	return w
}

// progressBar renders a single-line in-place progress bar. It implements
// io.Writer so it can sit behind an io.MultiWriter next to the file being
// written.
type progressBar struct {
	out     io.Writer
	name    string
	current int64
	total   int64
	lastAt  time.Time
}

func newProgressBar(out io.Writer, name string, current, total int64) *progressBar {
	bar := &progressBar{
		out:     out,
		name:    name,
		current: current,
		total:   total,
	}
	bar.render()
	return bar
}

func (b *progressBar) Write(p []byte) (int, error) {
	b.current += int64(len(p))
	// Redrawing on every chunk floods slow terminals.
	if time.Since(b.lastAt) >= 100*time.Millisecond {
		b.render()
	}
	return len(p), nil
}

func (b *progressBar) render() {
	b.lastAt = time.Now()

	if b.total <= 0 {
		fmt.Fprintf(b.out, "\r%s: %s", b.name, units.HumanSize(float64(b.current)))
		return
	}

	const width = 30
	filled := int(float64(width) * float64(b.current) / float64(b.total))
	if filled > width {
		filled = width
	}
	fmt.Fprintf(b.out, "\r%s: [%s%s] %s/%s",
		b.name,
		strings.Repeat("=", filled),
		strings.Repeat(" ", width-filled),
		units.HumanSize(float64(b.current)),
		units.HumanSize(float64(b.total)))
}

// Finish draws the final state and terminates the line.
func (b *progressBar) Finish(ok bool) {
	if ok && b.total > 0 {
		b.current = b.total
	}
	b.render()
	fmt.Fprintln(b.out)
}
