// Copyright 2024-2026 The Bender Authors

// Package plugin defines the bot's plugin capability interface and the
// static registry that maps configured plugin types to constructors. Plugins
// are loaded from configuration at startup; there is no runtime discovery.
package plugin

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/chatops-bots/bender/pkg/config"
)

// Host is the surface plugins use to act on the chat service. The bot
// implements it; tests substitute fakes.
type Host interface {
	// SendNotice posts an unformatted notice to a room.
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
	// SendMarkdown posts a markdown-formatted message to a room.
	SendMarkdown(ctx context.Context, roomID id.RoomID, markdown string) error
	// ResolveRoom turns a room alias or ID into the real room ID.
	ResolveRoom(ctx context.Context, roomRef string) (id.RoomID, error)
	// BotName is the bot's address localpart.
	BotName() string
}

// Plugin is the fixed capability interface every plugin implements.
// DispatchTick runs once per sync cycle; HandleCommand offers an incoming
// directed message and reports whether the plugin consumed it; Help
// contributes a usage line to the help command ("" for none).
type Plugin interface {
	Name() string
	DispatchTick(ctx context.Context)
	HandleCommand(ctx context.Context, sender id.UserID, roomID id.RoomID, args []string) bool
	Help(sender id.UserID, roomID id.RoomID) string
}

// Factory builds a plugin instance from its configuration block.
type Factory func(host Host, cfg config.Plugin, log zerolog.Logger) (Plugin, error)

// Registry maps a plugin type to its factory.
type Registry map[string]Factory

// Builtin returns the registry of compiled-in plugin types.
func Builtin() Registry {
	return Registry{
		"broadcast": NewBroadcast,
		"echo":      NewEcho,
		"feeder":    NewFeeder,
	}
}

// Build instantiates every configured plugin. An unknown type is a startup
// error: a typo in configuration should not silently drop a plugin.
func (r Registry) Build(host Host, cfgs []config.Plugin, log zerolog.Logger) ([]Plugin, error) {
	plugins := make([]Plugin, 0, len(cfgs))
	for _, cfg := range cfgs {
		factory, ok := r[cfg.Type]
		if !ok {
			return nil, fmt.Errorf("unknown plugin type %q", cfg.Type)
		}
		p, err := factory(host, cfg, log.With().Str("plugin", cfg.Name).Logger())
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", cfg.Name, err)
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}

// resolveRooms maps configured room references to real room IDs, skipping
// (and logging) the ones that fail so one bad alias does not disable the
// whole plugin.
func resolveRooms(ctx context.Context, host Host, refs []string, log zerolog.Logger) []id.RoomID {
	rooms := make([]id.RoomID, 0, len(refs))
	for _, ref := range refs {
		roomID, err := host.ResolveRoom(ctx, ref)
		if err != nil {
			log.Warn().Err(err).Str("room", ref).Msg("Cannot resolve plugin room")
			continue
		}
		rooms = append(rooms, roomID)
	}
	return rooms
}
