package commands

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engelmi/ramalama/pkg/reference"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPullListRemoveLocalFile(t *testing.T) {
	storeRoot := t.TempDir()
	source := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(source, []byte("local weights"), 0o644))

	out, err := runCommand(t, "pull", "--store", storeRoot, "-q", "file://"+source)
	require.NoError(t, err)

	path := strings.TrimSpace(out)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "local weights", string(content))

	out, err = runCommand(t, "list", "--store", storeRoot)
	require.NoError(t, err)
	require.Contains(t, out, "model.gguf")
	require.Contains(t, out, "file://")

	out, err = runCommand(t, "rm", "--store", storeRoot, "file://"+source)
	require.NoError(t, err)
	require.Contains(t, out, "Removed")

	out, err = runCommand(t, "list", "--store", storeRoot)
	require.NoError(t, err)
	require.NotContains(t, out, "model.gguf")
}

func TestPullURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote weights"))
	}))
	defer ts.Close()

	storeRoot := t.TempDir()
	out, err := runCommand(t, "pull", "--store", storeRoot, "-q", ts.URL+"/files/model.gguf")
	require.NoError(t, err)

	content, err := os.ReadFile(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, "remote weights", string(content))
}

func TestFlagNameNormalization(t *testing.T) {
	storeRoot := t.TempDir()
	source := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(source, []byte("local weights"), 0o644))

	out, err := runCommand(t, "pull", "--store", storeRoot, "-q", "--store_owned", "file://"+source)
	require.NoError(t, err)

	// Store-owned mode proves the underscored flag reached the command.
	target, err := filepath.EvalSymlinks(strings.TrimSpace(out))
	require.NoError(t, err)
	resolvedRoot, err := filepath.EvalSymlinks(storeRoot)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(target, resolvedRoot+string(filepath.Separator)),
		"expected %q inside the store %q", target, resolvedRoot)
}

func TestPullInvalidReference(t *testing.T) {
	_, err := runCommand(t, "pull", "--store", t.TempDir(), "-q", "oci://repo:tag")
	require.ErrorIs(t, err, reference.ErrInvalidReference)
}

func TestRmUnknownModel(t *testing.T) {
	_, err := runCommand(t, "rm", "--store", t.TempDir(), "nosuchmodel")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found in the local store")
}
