package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/engelmi/ramalama/pkg/store"
)

func newRmCmd(opts *rootOptions) *cobra.Command {
	c := &cobra.Command{
		Use:   "rm MODEL [MODEL...]",
		Short: "Remove models from the local store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.newStore()
			if err != nil {
				return err
			}

			models, err := s.ListPublished()
			if err != nil {
				return err
			}

			for _, arg := range args {
				model, err := matchPublished(models, arg)
				if err != nil {
					return err
				}
				if err := s.Unpublish(model.LinkPath); err != nil {
					return fmt.Errorf("remove %s: %w", model.Name, err)
				}
				cmd.Println("Removed", model.Name)
			}
			return nil
		},
	}
	return c
}

// matchPublished resolves a user-supplied model name against the published
// models, accepting both the full scheme-qualified name and the short form.
// file references publish without the leading path separator, so that is
// stripped from the argument before comparing.
func matchPublished(models []store.PublishedModel, arg string) (store.PublishedModel, error) {
	argShort := arg
	if _, rest, found := strings.Cut(arg, "://"); found {
		argShort = rest
	}
	argShort = strings.TrimPrefix(argShort, "/")

	for _, model := range models {
		if model.Name == arg {
			return model, nil
		}
		_, short, found := strings.Cut(model.Name, "://")
		if found && short == argShort {
			return model, nil
		}
	}
	return store.PublishedModel{}, fmt.Errorf("model %q not found in the local store", arg)
}
