// Copyright 2024-2026 The Bender Authors

// Package config loads and validates the bot's YAML configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chatops-bots/bender/pkg/directory"
)

//go:embed example-config.yaml
var ExampleConfig string

// Duration decodes YAML strings like "30s" or "5m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Matrix holds homeserver connection settings.
type Matrix struct {
	// Homeserver is the client-server API base URL.
	Homeserver string `yaml:"homeserver"`
	// Username is the bot's localpart; it doubles as the address prefix
	// commands are directed at.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Domain is the server name used to qualify bare usernames and room
	// aliases, and the domain commands must originate from.
	Domain string `yaml:"domain"`
	// Rooms are aliases or IDs the bot joins at startup.
	Rooms []string `yaml:"rooms"`
}

// Bot holds the core behavior knobs.
type Bot struct {
	// Period is the sleep between sync cycles.
	Period Duration `yaml:"period"`
	// SyncTimeout is the long-poll timeout handed to /sync.
	SyncTimeout Duration `yaml:"sync_timeout"`
	// RetryAttempts bounds retries of mutating transport calls.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryDelay is the fixed sleep between attempts.
	RetryDelay Duration `yaml:"retry_delay"`
	// CacheTTL bounds the life of a membership snapshot.
	CacheTTL Duration `yaml:"cache_ttl"`
	// LocalSendersOnly silently drops commands from senders outside Domain.
	LocalSendersOnly *bool `yaml:"local_senders_only"`
	// Aliases maps a verbatim command remainder to its substitution,
	// enabling short custom commands.
	Aliases map[string]string `yaml:"aliases"`
	// Greeting is sent once into every newly created private channel.
	Greeting string `yaml:"greeting"`
}

// Join configures the self-service room join command.
type Join struct {
	// DefaultAllowed is the fallback allow-list, as selector tokens.
	DefaultAllowed []string `yaml:"default_allowed"`
	// Rooms maps a room alias localpart to its own allow-list tokens.
	Rooms map[string][]string `yaml:"rooms"`
}

// Mail configures the forward-to-email relay.
type Mail struct {
	// SMTPAddr is the relay host:port. Empty disables forwarding.
	SMTPAddr string `yaml:"smtp_addr"`
	From     string `yaml:"from"`
}

// Plugin configures one plugin instance. Type selects the factory from the
// registry; the remaining fields are interpreted per plugin.
type Plugin struct {
	Type  string   `yaml:"type"`
	Name  string   `yaml:"name"`
	Rooms []string `yaml:"rooms"`
	// Users authorizes senders (broadcast).
	Users []string `yaml:"users"`
	// Message is the canned text (echo).
	Message string `yaml:"message"`
	// Period throttles the plugin's own tick (echo, feeder).
	Period Duration `yaml:"period"`
	// Feeds maps a feed name to its URL (feeder).
	Feeds map[string]string `yaml:"feeds"`
}

// Config is the root configuration document.
type Config struct {
	Matrix Matrix           `yaml:"matrix"`
	Bot    Bot              `yaml:"bot"`
	LDAP   directory.Config `yaml:"ldap"`
	Join   Join             `yaml:"join"`
	Mail   Mail             `yaml:"mail"`
	// Subscriptions maps a room reference to selector tokens whose
	// resolution is invited into the room every cycle.
	Subscriptions map[string][]string `yaml:"subscriptions"`
	// Revocations maps a room reference to selector tokens whose
	// resolution is kicked from the room every cycle.
	Revocations map[string][]string `yaml:"revocations"`
	Plugins     []Plugin            `yaml:"plugins"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Load reads, parses, and post-processes a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess fills defaults and validates required fields.
func (c *Config) PostProcess() error {
	switch {
	case c.Matrix.Homeserver == "":
		return fmt.Errorf("matrix.homeserver is required")
	case c.Matrix.Username == "":
		return fmt.Errorf("matrix.username is required")
	case c.Matrix.Domain == "":
		return fmt.Errorf("matrix.domain is required")
	}

	if c.Bot.Period == 0 {
		c.Bot.Period = Duration(30 * time.Second)
	}
	if c.Bot.SyncTimeout == 0 {
		c.Bot.SyncTimeout = Duration(30 * time.Second)
	}
	if c.Bot.RetryAttempts == 0 {
		c.Bot.RetryAttempts = 3
	}
	if c.Bot.RetryDelay == 0 {
		c.Bot.RetryDelay = Duration(5 * time.Second)
	}
	if c.Bot.CacheTTL == 0 {
		c.Bot.CacheTTL = Duration(time.Minute)
	}
	if c.Bot.LocalSendersOnly == nil {
		localOnly := true
		c.Bot.LocalSendersOnly = &localOnly
	}
	if c.Bot.Greeting == "" {
		c.Bot.Greeting = "Hi! I am " + c.Matrix.Username +
			". Say 'help' here to see what I can do."
	}

	for i, plugin := range c.Plugins {
		if plugin.Type == "" {
			return fmt.Errorf("plugins[%d]: type is required", i)
		}
		if plugin.Name == "" {
			c.Plugins[i].Name = plugin.Type
		}
	}
	return nil
}
