package main

import (
	"errors"
	"os"

	"github.com/engelmi/ramalama/cmd/ramalama/commands"
	"github.com/engelmi/ramalama/pkg/download"
)

func main() {
	root := commands.NewRootCmd()
	if err := root.Execute(); err != nil {
		// Transport failures surface the underlying HTTP status as the
		// process exit status.
		var statusErr *download.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode > 0 {
			os.Exit(statusErr.StatusCode % 256)
		}
		os.Exit(1)
	}
}
