// Copyright 2024-2026 The Bender Authors

// Command bender runs the Matrix chat-ops bot: it logs into the configured
// homeserver, connects the LDAP directory, builds the configured plugins and
// polls for commands until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"maunium.net/go/mautrix"

	"github.com/chatops-bots/bender/pkg/bender"
	"github.com/chatops-bots/bender/pkg/config"
	"github.com/chatops-bots/bender/pkg/directory"
	"github.com/chatops-bots/bender/pkg/plugin"
)

var (
	configPath         = flag.StringP("config", "c", "config.yaml", "path to the configuration file")
	writeExampleConfig = flag.BoolP("write-example-config", "g", false, "write an example configuration to stdout and exit")
	verbose            = flag.BoolP("verbose", "v", false, "enable debug logging")
)

func main() {
	flag.Parse()
	if *writeExampleConfig {
		fmt.Print(config.ExampleConfig)
		return
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(level)

	if err := run(log); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Bot exited")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return fmt.Errorf("homeserver client: %w", err)
	}
	client.Log = log.With().Str("component", "matrix").Logger()
	_, err = client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: cfg.Matrix.Username,
		},
		Password:         cfg.Matrix.Password,
		StoreCredentials: true,
	})
	if err != nil {
		return fmt.Errorf("login as %s: %w", cfg.Matrix.Username, err)
	}
	log.Info().Str("user_id", client.UserID.String()).Msg("Logged in")

	dir := directory.New(cfg.LDAP, log)
	bot := bender.New(client, cfg, dir, bender.NewMailer(cfg.Mail), log)

	plugins, err := plugin.Builtin().Build(bot, cfg.Plugins, log)
	if err != nil {
		return err
	}
	bot.SetPlugins(plugins)
	log.Info().Int("plugins", len(plugins)).Msg("Starting sync loop")

	return bot.Run(ctx)
}
