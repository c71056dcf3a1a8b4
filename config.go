package waitroom

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/waitroom/client"
	"pkt.systems/waitroom/session"
)

const (
	// DefaultServer is the queue server the CLI talks to when none is configured.
	DefaultServer = "http://127.0.0.1:8088"
	// DefaultAPIPrefix is the path prefix of every queue route.
	DefaultAPIPrefix = client.DefaultAPIPrefix
	// DefaultHTTPTimeout bounds each gateway request.
	DefaultHTTPTimeout = client.DefaultHTTPTimeout
	// DefaultBeaconTimeout bounds each detached release delivery.
	DefaultBeaconTimeout = client.DefaultBeaconTimeout
	// DefaultBeaconQueue is the number of release notifications that may be pending.
	DefaultBeaconQueue = client.DefaultBeaconQueue
	// DefaultPollInterval is the status polling period while the page is visible.
	DefaultPollInterval = session.DefaultPollInterval
	// DefaultHiddenPollInterval is the status polling period while the page is hidden.
	DefaultHiddenPollInterval = session.DefaultHiddenPollInterval
	// DefaultHeartbeatInterval is the heartbeat period while the page is visible.
	DefaultHeartbeatInterval = session.DefaultHeartbeatInterval
	// DefaultHiddenHeartbeatInterval is the heartbeat period while the page is hidden.
	DefaultHiddenHeartbeatInterval = session.DefaultHiddenHeartbeatInterval
	// DefaultActivationDelay is the pause between activation and hand-off.
	DefaultActivationDelay = session.DefaultActivationDelay
	// DefaultExpiryDelay is the pause between expiry and the expiry callback.
	DefaultExpiryDelay = session.DefaultExpiryDelay
)

// Config collects everything needed to run a queue session against a server.
// The zero value is usable after Validate fills in defaults.
type Config struct {
	Server    string        `yaml:"server" mapstructure:"server"`
	APIPrefix string        `yaml:"api-prefix" mapstructure:"api-prefix"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	ClientID  string        `yaml:"client-id,omitempty" mapstructure:"client-id"`

	// AccessToken and SessionID are forwarded as credentials when set.
	AccessToken string `yaml:"access-token,omitempty" mapstructure:"access-token"`
	SessionID   string `yaml:"session-id,omitempty" mapstructure:"session-id"`

	BeaconTimeout time.Duration `yaml:"beacon-timeout" mapstructure:"beacon-timeout"`
	BeaconQueue   int           `yaml:"beacon-queue" mapstructure:"beacon-queue"`

	PollInterval            time.Duration `yaml:"poll-interval" mapstructure:"poll-interval"`
	HiddenPollInterval      time.Duration `yaml:"hidden-poll-interval" mapstructure:"hidden-poll-interval"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat-interval" mapstructure:"heartbeat-interval"`
	HiddenHeartbeatInterval time.Duration `yaml:"hidden-heartbeat-interval" mapstructure:"hidden-heartbeat-interval"`
	ActivationDelay         time.Duration `yaml:"activation-delay" mapstructure:"activation-delay"`
	ExpiryDelay             time.Duration `yaml:"expiry-delay" mapstructure:"expiry-delay"`
	PromptOnUnload          bool          `yaml:"prompt-on-unload" mapstructure:"prompt-on-unload"`

	MetricsListen  string `yaml:"metrics-listen,omitempty" mapstructure:"metrics-listen"`
	OTLPEndpoint   string `yaml:"otlp-endpoint,omitempty" mapstructure:"otlp-endpoint"`
	RuntimeMetrics bool   `yaml:"enable-runtime-metrics,omitempty" mapstructure:"enable-runtime-metrics"`
}

// DefaultConfig returns a Config populated with every default.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills unset fields with defaults and rejects inconsistent values.
func (c *Config) Validate() error {
	c.Server = strings.TrimSpace(c.Server)
	if c.Server == "" {
		c.Server = DefaultServer
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("config: server: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: server scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("config: server host required")
	}
	if c.APIPrefix == "" {
		c.APIPrefix = DefaultAPIPrefix
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		c.APIPrefix = "/" + c.APIPrefix
	}

	durations := []struct {
		name string
		v    *time.Duration
		def  time.Duration
		zero bool
	}{
		{"timeout", &c.Timeout, DefaultHTTPTimeout, false},
		{"beacon-timeout", &c.BeaconTimeout, DefaultBeaconTimeout, false},
		{"poll-interval", &c.PollInterval, DefaultPollInterval, false},
		{"hidden-poll-interval", &c.HiddenPollInterval, DefaultHiddenPollInterval, false},
		{"heartbeat-interval", &c.HeartbeatInterval, DefaultHeartbeatInterval, false},
		{"hidden-heartbeat-interval", &c.HiddenHeartbeatInterval, DefaultHiddenHeartbeatInterval, false},
		{"activation-delay", &c.ActivationDelay, DefaultActivationDelay, true},
		{"expiry-delay", &c.ExpiryDelay, DefaultExpiryDelay, true},
	}
	for _, d := range durations {
		if *d.v < 0 {
			return fmt.Errorf("config: %s must not be negative", d.name)
		}
		if *d.v == 0 && !d.zero {
			*d.v = d.def
		}
	}
	if c.BeaconQueue < 0 {
		return errors.New("config: beacon-queue must not be negative")
	}
	if c.BeaconQueue == 0 {
		c.BeaconQueue = DefaultBeaconQueue
	}
	if c.HiddenPollInterval < c.PollInterval {
		return fmt.Errorf("config: hidden-poll-interval %s is shorter than poll-interval %s", c.HiddenPollInterval, c.PollInterval)
	}
	if c.HiddenHeartbeatInterval < c.HeartbeatInterval {
		return fmt.Errorf("config: hidden-heartbeat-interval %s is shorter than heartbeat-interval %s", c.HiddenHeartbeatInterval, c.HeartbeatInterval)
	}
	if c.RuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return errors.New("config: enable-runtime-metrics requires metrics-listen")
	}
	return nil
}

// Credentials returns the configured credential accessor, or nil when no
// access token is set.
func (c Config) Credentials() client.Credentials {
	if c.AccessToken == "" && c.SessionID == "" {
		return nil
	}
	return client.StaticCredentials{AccessToken: c.AccessToken, SessionID: c.SessionID}
}

// ClientOptions translates c into gateway options.
func (c Config) ClientOptions(logger pslog.Logger) []client.Option {
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithAPIPrefix(c.APIPrefix),
		client.WithHTTPTimeout(c.Timeout),
		client.WithReleaseTimeout(c.BeaconTimeout),
		client.WithReleaseQueue(c.BeaconQueue),
	}
	if creds := c.Credentials(); creds != nil {
		opts = append(opts, client.WithCredentials(creds))
	}
	if c.ClientID != "" {
		opts = append(opts, client.WithClientID(c.ClientID))
	}
	return opts
}

// NewClient validates c and builds the gateway.
func (c Config) NewClient(logger pslog.Logger, extra ...client.Option) (*client.Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return client.New(c.Server, append(c.ClientOptions(logger), extra...)...)
}

// SessionOptions translates c into controller options. Callbacks and the
// page source are left to the caller.
func (c Config) SessionOptions(logger pslog.Logger) []session.Option {
	return []session.Option{
		session.WithLogger(logger),
		session.WithPollIntervals(c.PollInterval, c.HiddenPollInterval),
		session.WithHeartbeatIntervals(c.HeartbeatInterval, c.HiddenHeartbeatInterval),
		session.WithActivationDelay(c.ActivationDelay),
		session.WithExpiryDelay(c.ExpiryDelay),
		session.WithPromptOnUnload(c.PromptOnUnload),
	}
}

// DefaultConfigDir returns $HOME/.waitroom.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".waitroom"), nil
}

// DefaultConfigPath returns $HOME/.waitroom/config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
