package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bbockelm/linkauth/config"
)

const defaultConfigPath = "/etc/linkauth/linkauth.yaml"

type rootOptions struct {
	configPath string
	debug      bool

	file   *config.File
	logger *zap.Logger
}

func (o *rootOptions) init() error {
	var err error
	if o.debug {
		o.logger, err = zap.NewDevelopment()
	} else {
		o.logger, err = zap.NewProduction()
	}
	if err != nil {
		return errors.Wrap(err, "logger init failed")
	}
	o.file, err = config.Load(o.configPath)
	return err
}

// stack builds the configured collaborators; the caller closes it
func (o *rootOptions) stack() (*config.Stack, error) {
	return o.file.Build(o.logger)
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "linkauth",
		Short:         "Inspect link authentication settings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "configuration file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log at debug level to the console")

	cmd.AddCommand(
		lookupCmd(opts),
		failmsgCmd(),
		loginsCmd(opts),
	)
	return cmd
}
