// Package config loads livechat settings from defaults, an optional YAML file and
// LIVECHAT_* environment variables, in that order.
package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/livechat/pkg/livechat"
	"github.com/go-go-golems/livechat/pkg/logging"
	"github.com/go-go-golems/livechat/pkg/redisstream"
)

const EnvPrefix = "LIVECHAT_"

type GuestSettings struct {
	Name      string `yaml:"name" env:"NAME"`
	Email     string `yaml:"email" env:"EMAIL"`
	PageURL   string `yaml:"page_url" env:"PAGE_URL"`
	UserAgent string `yaml:"user_agent" env:"USER_AGENT"`
}

type ReconnectSettings struct {
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	Jitter          float64       `yaml:"jitter" env:"JITTER"`
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

func (r ReconnectSettings) Policy() livechat.ReconnectPolicy {
	return livechat.ReconnectPolicy{
		InitialInterval:     r.InitialInterval,
		MaxInterval:         r.MaxInterval,
		RandomizationFactor: r.Jitter,
		MaxAttempts:         r.MaxAttempts,
	}
}

// PlanSettings mirrors the plan limits relevant to chat. MaxChatSessions of 0 is
// unlimited, a negative value disables chat.
type PlanSettings struct {
	Name            string `yaml:"name" env:"NAME"`
	MaxChatSessions int    `yaml:"max_chat_sessions" env:"MAX_CHAT_SESSIONS"`
	UpgradeURL      string `yaml:"upgrade_url" env:"UPGRADE_URL"`
}

func (p PlanSettings) Limits() livechat.PlanLimits {
	return livechat.PlanLimits{Plan: p.Name, MaxChatSessions: p.MaxChatSessions, UpgradeURL: p.UpgradeURL}
}

type Settings struct {
	APIBaseURL string `yaml:"api_base_url" env:"API_BASE_URL"`
	Token      string `yaml:"token" env:"TOKEN"`

	Guest     GuestSettings     `yaml:"guest" envPrefix:"GUEST_"`
	Reconnect ReconnectSettings `yaml:"reconnect" envPrefix:"RECONNECT_"`
	Plan      PlanSettings      `yaml:"plan" envPrefix:"PLAN_"`

	HTTPTimeout        time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	TypingTimeout      time.Duration `yaml:"typing_timeout" env:"TYPING_TIMEOUT"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	WidgetPollInterval time.Duration `yaml:"widget_poll_interval" env:"WIDGET_POLL_INTERVAL"`

	// TranscriptPath is the SQLite file transcripts are kept in; empty keeps them in memory.
	TranscriptPath string `yaml:"transcript_path" env:"TRANSCRIPT_PATH"`

	Log   logging.Settings     `yaml:"log" envPrefix:"LOG_"`
	Redis redisstream.Settings `yaml:"redis" envPrefix:"REDIS_"`
}

func Defaults() Settings {
	p := livechat.DefaultReconnectPolicy()
	return Settings{
		Guest: GuestSettings{
			Name:      "Guest",
			UserAgent: "livechat-cli",
		},
		Reconnect: ReconnectSettings{
			InitialInterval: p.InitialInterval,
			MaxInterval:     p.MaxInterval,
			Jitter:          p.RandomizationFactor,
			MaxAttempts:     p.MaxAttempts,
		},
		HTTPTimeout:        15 * time.Second,
		ConnectTimeout:     10 * time.Second,
		TypingTimeout:      livechat.DefaultTypingTimeout,
		HeartbeatInterval:  livechat.DefaultHeartbeatInterval,
		WidgetPollInterval: livechat.DefaultWidgetPollInterval,
		Log:                logging.DefaultSettings(),
		Redis:              redisstream.DefaultSettings(),
	}
}

// Load applies the YAML file at path (if any) and then the environment on top of the
// defaults.
func Load(path string) (Settings, error) {
	s := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, errors.Wrap(err, "read config file")
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return Settings{}, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return Settings{}, errors.Wrap(err, "parse env")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if s.APIBaseURL != "" {
		u, err := url.Parse(s.APIBaseURL)
		if err != nil {
			return errors.Wrap(err, "api_base_url")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.Errorf("api_base_url must be http or https, got %q", s.APIBaseURL)
		}
	}
	for name, d := range map[string]time.Duration{
		"http_timeout":         s.HTTPTimeout,
		"connect_timeout":      s.ConnectTimeout,
		"typing_timeout":       s.TypingTimeout,
		"heartbeat_interval":   s.HeartbeatInterval,
		"widget_poll_interval": s.WidgetPollInterval,
	} {
		if d < 0 {
			return errors.Errorf("%s must not be negative", name)
		}
	}
	if s.Reconnect.Jitter < 0 || s.Reconnect.Jitter >= 1 {
		return errors.Errorf("reconnect.jitter must be in [0,1), got %v", s.Reconnect.Jitter)
	}
	if s.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	return nil
}

// RequireAPI reports a missing API base URL for commands that talk to the backend.
func (s Settings) RequireAPI() error {
	if strings.TrimSpace(s.APIBaseURL) == "" {
		return errors.Errorf("no API base URL: set api_base_url or %sAPI_BASE_URL", EnvPrefix)
	}
	return nil
}
