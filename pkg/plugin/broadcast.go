// Copyright 2024-2026 The Bender Authors

package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/chatops-bots/bender/pkg/config"
)

// Broadcast relays announcements from authorized users into a fixed set of
// rooms. Triggered by "<bot>: <name> <text...>".
type Broadcast struct {
	host  Host
	log   zerolog.Logger
	name  string
	rooms []string
	users map[id.UserID]struct{}
}

// NewBroadcast builds a Broadcast plugin.
func NewBroadcast(host Host, cfg config.Plugin, log zerolog.Logger) (Plugin, error) {
	if len(cfg.Rooms) == 0 {
		return nil, fmt.Errorf("broadcast needs at least one room")
	}
	users := make(map[id.UserID]struct{}, len(cfg.Users))
	for _, user := range cfg.Users {
		users[id.UserID(user)] = struct{}{}
	}
	return &Broadcast{
		host:  host,
		log:   log,
		name:  cfg.Name,
		rooms: cfg.Rooms,
		users: users,
	}, nil
}

func (b *Broadcast) Name() string { return b.name }

func (b *Broadcast) DispatchTick(context.Context) {}

func (b *Broadcast) HandleCommand(ctx context.Context, sender id.UserID, roomID id.RoomID, args []string) bool {
	if len(args) == 0 || args[0] != b.name {
		return false
	}
	if _, ok := b.users[sender]; !ok {
		b.log.Debug().
			Str("sender", sender.String()).
			Msg("Sender not authorized to broadcast")
		return true
	}
	if len(args) < 2 {
		return true
	}

	announcement := strings.Join(args[1:], " ")
	markdown := "### Announcement\n\n" + announcement
	for _, target := range resolveRooms(ctx, b.host, b.rooms, b.log) {
		if err := b.host.SendMarkdown(ctx, target, markdown); err != nil {
			b.log.Warn().Err(err).
				Str("room_id", target.String()).
				Msg("Broadcast delivery failed")
		}
	}
	return true
}

func (b *Broadcast) Help(id.UserID, id.RoomID) string {
	return fmt.Sprintf("%s: %s <announcement>", b.host.BotName(), b.name)
}
