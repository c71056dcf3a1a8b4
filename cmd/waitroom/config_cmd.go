package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/waitroom"
	"pkt.systems/waitroom/devserver"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage waitroom configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.waitroom/config.yaml"
	if path, err := waitroom.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default waitroom configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := waitroom.DefaultConfigPath()
				if err != nil {
					return err
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the flag names so the generated file round-trips
// through viper. Durations are rendered as Go duration strings.
type configDefaults struct {
	Server                  string `yaml:"server"`
	APIPrefix               string `yaml:"api-prefix"`
	Timeout                 string `yaml:"timeout"`
	ClientID                string `yaml:"client-id"`
	BeaconTimeout           string `yaml:"beacon-timeout"`
	BeaconQueue             int    `yaml:"beacon-queue"`
	PollInterval            string `yaml:"poll-interval"`
	HiddenPollInterval      string `yaml:"hidden-poll-interval"`
	HeartbeatInterval       string `yaml:"heartbeat-interval"`
	HiddenHeartbeatInterval string `yaml:"hidden-heartbeat-interval"`
	ActivationDelay         string `yaml:"activation-delay"`
	ExpiryDelay             string `yaml:"expiry-delay"`
	PromptOnUnload          bool   `yaml:"prompt-on-unload"`
	MetricsListen           string `yaml:"metrics-listen"`
	OTLPEndpoint            string `yaml:"otlp-endpoint"`
	RuntimeMetrics          bool   `yaml:"enable-runtime-metrics"`
	LogLevel                string `yaml:"log-level"`

	Listen           string `yaml:"listen"`
	Store            string `yaml:"store"`
	Prefix           string `yaml:"prefix"`
	MaxActive        int    `yaml:"max-active"`
	TokenTTL         string `yaml:"token-ttl"`
	BookingWindow    string `yaml:"booking-window"`
	HeartbeatTimeout string `yaml:"heartbeat-timeout"`
	SweepInterval    string `yaml:"sweep-interval"`
	SlotEstimate     string `yaml:"slot-estimate"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := waitroom.DefaultConfig()
	defaults := configDefaults{
		Server:                  cfg.Server,
		APIPrefix:               cfg.APIPrefix,
		Timeout:                 cfg.Timeout.String(),
		BeaconTimeout:           cfg.BeaconTimeout.String(),
		BeaconQueue:             cfg.BeaconQueue,
		PollInterval:            cfg.PollInterval.String(),
		HiddenPollInterval:      cfg.HiddenPollInterval.String(),
		HeartbeatInterval:       cfg.HeartbeatInterval.String(),
		HiddenHeartbeatInterval: cfg.HiddenHeartbeatInterval.String(),
		ActivationDelay:         waitroom.DefaultActivationDelay.String(),
		ExpiryDelay:             waitroom.DefaultExpiryDelay.String(),
		PromptOnUnload:          true,
		LogLevel:                "info",

		Listen:           devserver.DefaultListen,
		Store:            devserver.DefaultStore,
		Prefix:           devserver.DefaultPrefix,
		MaxActive:        devserver.DefaultMaxActive,
		TokenTTL:         devserver.DefaultTokenTTL.String(),
		BookingWindow:    devserver.DefaultBookingWindow.String(),
		HeartbeatTimeout: devserver.DefaultHeartbeatTimeout.String(),
		SweepInterval:    devserver.DefaultSweepInterval.String(),
		SlotEstimate:     devserver.DefaultSlotEstimate.String(),
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
