package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/krau/multitagger/config"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List available models",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := newRegistry(config.C())
		if err != nil {
			return err
		}
		for _, d := range reg.List() {
			source := d.Dir
			if d.IsRemote() {
				source = "remote:" + d.Remote.Repo
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-28s %-13s %s\n", d.Name, d.Kind, source)
		}
		return nil
	},
}
