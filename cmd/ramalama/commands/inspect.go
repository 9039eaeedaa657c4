package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
	"github.com/spf13/cobra"
)

func newInspectCmd(opts *rootOptions) *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show GGUF metadata of a pulled model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.newStore()
			if err != nil {
				return err
			}

			models, err := s.ListPublished()
			if err != nil {
				return err
			}
			model, err := matchPublished(models, args[0])
			if err != nil {
				return err
			}
			if model.TargetPath == "" {
				return fmt.Errorf("model %q has no resolvable target", model.Name)
			}

			gguf, err := parser.ParseGGUFFile(model.TargetPath)
			if err != nil {
				return fmt.Errorf("parse %s: %w", filepath.Base(model.TargetPath), err)
			}

			metadata := gguf.Metadata()
			cmd.Println("Name:        ", model.Name)
			cmd.Println("Path:        ", model.TargetPath)
			cmd.Println("Architecture:", strings.TrimSpace(metadata.Architecture))
			cmd.Println("Parameters:  ", metadata.Parameters.String())
			cmd.Println("Quantization:", metadata.FileType.String())
			cmd.Println("Size:        ", metadata.Size.String())
			return nil
		},
	}
	return c
}
