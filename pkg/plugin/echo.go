// Copyright 2024-2026 The Bender Authors

package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/chatops-bots/bender/pkg/config"
)

// Echo posts a canned notice into its rooms on a fixed period. Useful as a
// liveness beacon: if the message stops, the bot is down.
type Echo struct {
	host    Host
	log     zerolog.Logger
	name    string
	rooms   []string
	message string
	period  time.Duration
	last    time.Time
}

// NewEcho builds an Echo plugin.
func NewEcho(host Host, cfg config.Plugin, log zerolog.Logger) (Plugin, error) {
	if cfg.Message == "" {
		return nil, fmt.Errorf("echo needs a message")
	}
	period := cfg.Period.Std()
	if period == 0 {
		period = time.Minute
	}
	return &Echo{
		host:    host,
		log:     log,
		name:    cfg.Name,
		rooms:   cfg.Rooms,
		message: cfg.Message,
		period:  period,
	}, nil
}

func (e *Echo) Name() string { return e.name }

func (e *Echo) DispatchTick(ctx context.Context) {
	now := time.Now()
	if now.Before(e.last.Add(e.period)) {
		return
	}
	e.last = now

	for _, target := range resolveRooms(ctx, e.host, e.rooms, e.log) {
		if err := e.host.SendNotice(ctx, target, e.message); err != nil {
			e.log.Warn().Err(err).
				Str("room_id", target.String()).
				Msg("Echo delivery failed")
		}
	}
}

func (e *Echo) HandleCommand(context.Context, id.UserID, id.RoomID, []string) bool {
	return false
}

func (e *Echo) Help(id.UserID, id.RoomID) string { return "" }
