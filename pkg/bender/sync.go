// Copyright 2024-2026 The Bender Authors

package bender

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Run drives the bot until ctx is cancelled: join the configured rooms,
// drain the event backlog, then poll /sync once per period, handling
// commands, auto-accepting local invites, enforcing the standing membership
// rules and ticking plugins each cycle.
func (b *Bot) Run(ctx context.Context) error {
	b.cache.Start()
	defer b.cache.Stop()

	b.joinConfiguredRooms(ctx)

	// The first cycle consumes everything that queued up while the bot was
	// down. Replaying stale commands after a restart would surprise their
	// senders, so the backlog is dropped.
	b.syncOnce(ctx, true)
	b.maintainMemberships(ctx)

	period := b.cfg.Bot.Period.Std()
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("Sync loop stopping")
			return ctx.Err()
		case <-time.After(period):
		}
		b.syncOnce(ctx, false)
		b.maintainMemberships(ctx)
	}
}

// syncOnce performs one /sync round trip and fans the response out: one
// goroutine per invited room, per joined room timeline, and per plugin tick.
// The continuation token only advances when the request itself succeeded, so
// a failed poll is retried from the same position next cycle.
func (b *Bot) syncOnce(ctx context.Context, drain bool) {
	timeout := int(b.cfg.Bot.SyncTimeout.Std().Milliseconds())
	resp, err := b.api.SyncRequest(ctx, timeout, b.syncToken, "", false, event.PresenceOnline)
	if err != nil {
		b.log.Error().Err(err).Msg("Sync request failed")
		return
	}
	b.syncToken = resp.NextBatch

	var wg sync.WaitGroup
	for roomID, room := range resp.Rooms.Invite {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer b.recoverPanic("invite handler")
			b.handleInvite(ctx, roomID, room.State.Events)
		}()
	}
	for roomID, room := range resp.Rooms.Join {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer b.recoverPanic("timeline handler")
			b.handleTimeline(ctx, roomID, room.Timeline.Events, drain)
		}()
	}
	for _, p := range b.plugins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer b.recoverPanic("plugin " + p.Name())
			p.DispatchTick(ctx)
		}()
	}
	wg.Wait()
}

func (b *Bot) recoverPanic(what string) {
	if r := recover(); r != nil {
		b.log.Error().Interface("panic", r).Str("in", what).Msg("Recovered panic")
	}
}

// handleInvite accepts a room invite when it was issued by a local-domain
// user; anything else is logged and left pending.
func (b *Bot) handleInvite(ctx context.Context, roomID id.RoomID, stateEvents []*event.Event) {
	for _, evt := range stateEvents {
		if evt.Type != event.StateMember || evt.StateKey == nil || *evt.StateKey != b.userID.String() {
			continue
		}
		if evt.Content.Parsed == nil {
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				continue
			}
		}
		if evt.Content.AsMember().Membership != event.MembershipInvite {
			continue
		}
		if evt.Sender.Homeserver() != b.domain {
			b.log.Warn().
				Str("room_id", roomID.String()).
				Str("sender", evt.Sender.String()).
				Msg("Ignoring invite from non-local sender")
			return
		}
		err := b.withRetry(ctx, "accept_invite", func(ctx context.Context) error {
			_, err := b.api.JoinRoomByID(ctx, roomID)
			return err
		})
		if err != nil {
			b.log.Error().Err(err).Str("room_id", roomID.String()).Msg("Cannot accept invite")
			return
		}
		b.log.Info().
			Str("room_id", roomID.String()).
			Str("inviter", evt.Sender.String()).
			Msg("Accepted invite")
		return
	}
}

// handleTimeline processes one room's new timeline events in delivery
// order. Message ordering within a room is a command-semantics guarantee
// (invite then kick must not swap); only distinct rooms run concurrently.
func (b *Bot) handleTimeline(ctx context.Context, roomID id.RoomID, events []*event.Event, drain bool) {
	if drain {
		if len(events) > 0 {
			b.log.Debug().
				Str("room_id", roomID.String()).
				Int("events", len(events)).
				Msg("Dropping backlog events")
		}
		return
	}
	// Any state change in the timeline means the cached membership
	// snapshot may be stale.
	for _, evt := range events {
		if evt.Type == event.StateMember {
			b.cache.Invalidate(roomID)
			break
		}
	}
	for _, evt := range events {
		if evt.Type != event.EventMessage {
			continue
		}
		evt.RoomID = roomID
		b.handleMessage(ctx, evt)
	}
}
