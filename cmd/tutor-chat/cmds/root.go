package cmds

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/tutor-chat/pkg/config"
)

// app carries state shared by the subcommands once flags are parsed.
type app struct {
	configFile string
	v          *viper.Viper
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "tutor-chat",
		Short:         "Terminal client for the tutoring agent chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(a.configFile)
			if err != nil {
				return err
			}
			if err := config.BindFlags(v, cmd.Flags(), map[string]string{"log-level": "log.level"}); err != nil {
				return err
			}
			a.v = v
			return initLogger(v.GetString("log.level"))
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default ~/.tutor-chat/config.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")

	root.AddCommand(a.newChatCommand(), a.newTailCommand(), a.newConfigCommand())
	root.AddCommand(a.newStoreCommands()...)
	return root
}

// load binds the command's own flags and decodes the configuration.
func (a *app) load(cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	if a.v == nil {
		return nil, errors.New("configuration not initialized")
	}
	if err := config.BindFlags(a.v, cmd.Flags(), keys); err != nil {
		return nil, err
	}
	return config.Load(a.v)
}

// config decodes the configuration without binding command flags. Glazed
// commands parse their own flags and call this for the remaining settings.
func (a *app) config() (*config.Config, error) {
	if a.v == nil {
		v, err := config.New(a.configFile)
		if err != nil {
			return nil, err
		}
		a.v = v
	}
	return config.Load(a.v)
}

func initLogger(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	return nil
}
