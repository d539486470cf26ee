// Package cmds holds the cobra commands of the livechat terminal client.
package cmds

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/livechat/pkg/chatapi"
	"github.com/go-go-golems/livechat/pkg/config"
	"github.com/go-go-golems/livechat/pkg/logging"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	configPath string
	apiURL     string
	logLevel   string
	logFormat  string
	logFile    string

	settings  config.Settings
	logCloser io.Closer
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "livechat",
		Short:         "Terminal client for website live chat",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "YAML config file")
	f.StringVar(&a.apiURL, "api-url", "", "chat API base URL (overrides config)")
	f.StringVar(&a.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	f.StringVar(&a.logFormat, "log-format", "", "log format (auto, console, json)")
	f.StringVar(&a.logFile, "log-file", "", "write logs to this file instead of stderr")

	root.AddCommand(
		newChatCommand(a),
		newStatusCommand(a),
		newTranscriptCommand(a),
	)
	return root
}

// init loads the config and lets explicitly set flags win over it.
func (a *app) init(cmd *cobra.Command) error {
	s, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if f.Changed("api-url") {
		s.APIBaseURL = a.apiURL
	}
	if f.Changed("log-level") {
		s.Log.Level = a.logLevel
	}
	if f.Changed("log-format") {
		s.Log.Format = a.logFormat
	}
	if f.Changed("log-file") {
		s.Log.File = a.logFile
	}
	if err := s.Validate(); err != nil {
		return err
	}
	closer, err := logging.Init(s.Log)
	if err != nil {
		return err
	}
	a.settings = s
	a.logCloser = closer
	log.Debug().Str("config", a.configPath).Str("api", s.APIBaseURL).Msg("settings loaded")
	return nil
}

func (a *app) client() (*chatapi.Client, error) {
	if err := a.settings.RequireAPI(); err != nil {
		return nil, err
	}
	opts := []chatapi.Option{chatapi.WithLogger(log.With().Str("component", "chatapi").Logger())}
	if a.settings.Token != "" {
		opts = append(opts, chatapi.WithToken(a.settings.Token))
	}
	if a.settings.HTTPTimeout > 0 {
		opts = append(opts, chatapi.WithTimeout(a.settings.HTTPTimeout))
	}
	c, err := chatapi.NewClient(a.settings.APIBaseURL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "chat api client")
	}
	return c, nil
}
