// Package config models the already-parsed configuration object this
// daemon consumes. On-disk file parsing is an external collaborator:
// something upstream reads tinc.conf-style files and hands this
// package a plain map, which mapstructure decodes into Config.
package config

import (
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/wangmice/tinc/internal/daemonerr"
)

// Raw is the decoded-but-untyped configuration object handed over by
// the external parser, keyed the way tinc.conf's "Variable = Value"
// lines would decode into a map.
type Raw map[string]any

// Config is the typed configuration this daemon actually consumes.
type Config struct {
	NetName string `mapstructure:"Name"`

	ConnectTo []string `mapstructure:"ConnectTo"`

	ListenAddress string `mapstructure:"BindToAddress"`
	Port          int    `mapstructure:"Port"`

	ControlSocket string `mapstructure:"ControlSocket"`

	KeyExpire     time.Duration `mapstructure:"KeyExpire"`
	KeyExpireCron string        `mapstructure:"KeyExpireCron"`

	PingInterval time.Duration `mapstructure:"PingInterval"`
	PingTimeout  time.Duration `mapstructure:"PingTimeout"`

	ReconnectInitial time.Duration `mapstructure:"ReconnectInitial"`
	ReconnectMax     time.Duration `mapstructure:"ReconnectMax"`

	DiscoverySRV        bool   `mapstructure:"DiscoverySRV"`
	DiscoveryDomain     string `mapstructure:"DiscoveryDomain"`
	DiscoveryNameserver string `mapstructure:"DiscoveryNameserver"`

	DebugLevel int `mapstructure:"DebugLevel"`

	ScriptsDir string `mapstructure:"ScriptsDir"`

	DropPrivileges bool `mapstructure:"DropPrivileges"`
}

// Defaults returns a Config with every interval at its default, to be
// overlaid by whatever Raw actually sets.
func Defaults() Config {
	return Config{
		Port:                655,
		KeyExpire:           1 * time.Hour,
		PingInterval:        60 * time.Second,
		PingTimeout:         5 * time.Second,
		ReconnectInitial:    5 * time.Second,
		ReconnectMax:        300 * time.Second,
		DiscoveryNameserver: "127.0.0.1:53",
	}
}

// Decode overlays raw onto Defaults(), so a partial map only changes
// the keys it names.
func Decode(raw Raw) (Config, error) {
	cfg := Defaults()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return Config{}, daemonerr.New(daemonerr.KindConfig, err)
	}

	if err := decoder.Decode(map[string]any(raw)); err != nil {
		return Config{}, daemonerr.New(daemonerr.KindConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.NetName == "" {
		return daemonerr.New(daemonerr.KindConfig, errMissingName)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return daemonerr.Newf(daemonerr.KindConfig, "invalid port %d", c.Port)
	}

	if c.ReconnectMax < c.ReconnectInitial {
		return daemonerr.New(daemonerr.KindConfig, errBadReconnectBounds)
	}

	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

const (
	errMissingName        = configError("Name is required")
	errBadReconnectBounds = configError("ReconnectMax must be >= ReconnectInitial")
)
