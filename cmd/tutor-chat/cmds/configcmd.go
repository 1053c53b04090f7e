package cmds

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tutor-chat/pkg/config"
)

func (a *app) newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.v == nil {
				return errors.New("configuration not initialized")
			}
			return config.WriteYAML(a.v, cmd.OutOrStdout())
		},
	}
}
