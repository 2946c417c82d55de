package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/soyeahso/calldesk/internal/config"
	"github.com/soyeahso/calldesk/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calldesk",
		Short: "calldesk answers the phone for small businesses",
		Long: "calldesk takes phone orders and appointment requests over Twilio, " +
			"talks to the caller with an LLM, and sends the result to the business.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.calldesk/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newBusinessCmd())
	cmd.AddCommand(newCallsCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig reads and validates the config file and rebuilds the logger
// from its logging section. --log-level still wins.
func loadConfig() (config.Config, io.Closer, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, nil, err
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, nil, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}

	opts := logging.Options{
		Level:        cfg.Logging.Level,
		ConsoleStyle: cfg.Logging.ConsoleStyle,
		File:         cfg.Logging.File,
	}
	if logLevel != "" {
		opts.Level = logLevel
	}
	l, closer, err := logging.Open(opts)
	if err != nil {
		return cfg, nil, err
	}
	log = l
	return cfg, closer, nil
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
