package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/engelmi/ramalama/pkg/distribution"
)

func newPullCmd(opts *rootOptions) *cobra.Command {
	var storeOwned bool

	c := &cobra.Command{
		Use:   "pull MODEL",
		Short: "Pull a model into the local store",
		Long: `Pull a model into the local store.

MODEL is a reference of the form [scheme://]{[namespace/]name}[:tag] with
scheme one of ollama, oci, huggingface, file, http, or https. Without a
scheme the reference is resolved against the ollama registry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra []distribution.Option
			if storeOwned {
				extra = append(extra, distribution.WithStoreOwnedFiles())
			}
			client, err := opts.newClient(extra...)
			if err != nil {
				return fmt.Errorf("initialize model store: %w", err)
			}

			path, err := client.Pull(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if !opts.quiet {
				cmd.PrintErrln(color.GreenString("Pulled %s", args[0]))
			}
			cmd.Println(path)
			return nil
		},
	}

	c.Flags().BoolVar(&storeOwned, "store-owned", false, "Copy file:// sources into the store instead of symlinking to them")

	return c
}
