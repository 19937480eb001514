package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/albertbausili/courier/pkg/courier"
)

// app is the state shared by every subcommand, filled in by the root
// command's PersistentPreRunE.
type app struct {
	cfgFile  string
	logLevel string
	logJSON  bool

	config courier.FileConfig
	logger hclog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "courier",
		Short: "Asynchronous HTTP/1.x server and client",
		Long: `courier runs an event-loop HTTP/1.x server, sends requests with the
matching client, and replays recorded byte fixtures through the message
reader to show how they parse.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", `log level: trace, debug, info, warn, error (default "info")`)
	root.PersistentFlags().BoolVar(&a.logJSON, "log-json", false, "log as JSON")

	root.AddCommand(newServeCmd(a), newGetCmd(a), newLoadCmd(a), newReplayCmd(a))
	return root
}

// load reads the config file and builds the logger. Flags win over the
// file.
func (a *app) load(cmd *cobra.Command) error {
	a.config = courier.DefaultFileConfig()
	if a.cfgFile != "" {
		cfg, err := courier.LoadConfig(a.cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		a.config = cfg
	}
	if a.logLevel != "" {
		a.config.LogLevel = a.logLevel
	}
	level := hclog.LevelFromString(a.config.LogLevel)
	if level == hclog.NoLevel {
		return fmt.Errorf("unknown log level %q", a.config.LogLevel)
	}

	out := cmd.ErrOrStderr()
	if out == nil {
		out = os.Stderr
	}
	a.logger = hclog.New(&hclog.LoggerOptions{
		Name:       "courier",
		Level:      level,
		Output:     out,
		JSONFormat: a.logJSON,
	})
	a.config.Server.Logger = a.logger
	a.config.Client.Logger = a.logger
	return nil
}
