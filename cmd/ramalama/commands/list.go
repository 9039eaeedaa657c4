package commands

import (
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	c := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List models in the local store",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.newStore()
			if err != nil {
				return err
			}

			models, err := s.ListPublished()
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"NAME", "MODIFIED", "SIZE"})
			table.SetBorder(false)
			table.SetColumnSeparator("")
			table.SetAutoWrapText(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)

			for _, model := range models {
				table.Append([]string{
					model.Name,
					units.HumanDuration(time.Since(model.Modified)) + " ago",
					units.HumanSize(float64(model.Size)),
				})
			}
			table.Render()
			return nil
		},
	}
	return c
}
