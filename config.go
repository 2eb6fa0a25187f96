// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmppd

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the server configuration tree. Fields left out of the YAML
// document keep the defaults applied during unmarshaling.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Bind        BindConfig        `yaml:"bind"`
	TLS         TLSConfig         `yaml:"tls"`
	SASL        SASLConfig        `yaml:"sasl"`
	Limits      LimitsConfig      `yaml:"limits"`
	Supervision SupervisionConfig `yaml:"supervision"`

	// Lang is the default language advertised on server streams.
	Lang string `yaml:"lang"`
}

// ServerConfig names the served domain.
type ServerConfig struct {
	Domain string `yaml:"domain"`
}

// BindConfig selects the listening port.
type BindConfig struct {
	Port int `yaml:"port"`
}

// TLSConfig configures STARTTLS.
type TLSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Required         bool     `yaml:"required"`
	KeystorePath     string   `yaml:"keystore_path"`
	KeystorePassword string   `yaml:"keystore_password"`
	Protocols        []string `yaml:"protocols"`
	ClientAuth       string   `yaml:"client_auth"`
}

// SASLConfig selects the offered mechanisms.
type SASLConfig struct {
	Mechanisms       []string `yaml:"mechanisms"`
	PlainOverTLSOnly bool     `yaml:"plain_over_tls_only"`
}

// LimitsConfig bounds per-connection resource use.
type LimitsConfig struct {
	StanzaBytes    int64 `yaml:"stanza_bytes"`
	InboundMailbox int   `yaml:"inbound_mailbox"`
	OutboundBytes  int64 `yaml:"outbound_bytes"`
	IdleSeconds    int   `yaml:"idle_seconds"`
}

// IdleTimeout returns the idle limit as a duration.
func (c LimitsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleSeconds) * time.Second
}

// SupervisionConfig bounds the per-connection supervisor.
type SupervisionConfig struct {
	MaxFailures        int `yaml:"max_failures"`
	ResetMinutes       int `yaml:"reset_minutes"`
	HealthCheckSeconds int `yaml:"health_check_seconds"`
}

// DefaultConfig returns the configuration used when no document is loaded.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Domain: "localhost"},
		Bind:   BindConfig{Port: 5222},
		TLS: TLSConfig{
			Enabled:    true,
			Required:   true,
			Protocols:  []string{"TLSv1.2", "TLSv1.3"},
			ClientAuth: "none",
		},
		SASL: SASLConfig{
			Mechanisms:       []string{"PLAIN", "SCRAM-SHA-1", "SCRAM-SHA-256"},
			PlainOverTLSOnly: true,
		},
		Limits: LimitsConfig{
			StanzaBytes:    65536,
			InboundMailbox: 1024,
			OutboundBytes:  262144,
			IdleSeconds:    300,
		},
		Supervision: SupervisionConfig{
			MaxFailures:        3,
			ResetMinutes:       5,
			HealthCheckSeconds: 30,
		},
		Lang: "en",
	}
}

// UnmarshalYAML implements yaml.Unmarshaler, overlaying the document on the
// defaults.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawConfig Config
	raw := rawConfig(*DefaultConfig())
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*c = Config(raw)
	return c.validate()
}

// ParseConfig decodes a YAML configuration document.
func ParseConfig(p []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(p) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(p, cfg); err != nil {
		return nil, errors.Wrap(err, "xmppd: parsing config")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Server.Domain == "":
		return errors.New("xmppd: server.domain must not be empty")
	case c.Bind.Port <= 0 || c.Bind.Port > 65535:
		return errors.Errorf("xmppd: invalid bind.port %d", c.Bind.Port)
	case len(c.SASL.Mechanisms) == 0:
		return errors.New("xmppd: at least one SASL mechanism is required")
	case c.Limits.StanzaBytes <= 0:
		return errors.New("xmppd: limits.stanza_bytes must be positive")
	case c.TLS.Enabled && c.TLS.KeystorePath == "" && c.TLS.Required:
		return errors.New("xmppd: tls.required needs tls.keystore_path")
	}
	return nil
}
