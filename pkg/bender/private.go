// Copyright 2024-2026 The Bender Authors

package bender

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/chatops-bots/bender/pkg/roomcache"
)

// otherParticipant returns the single non-bot user in a two-record
// membership snapshot. ok is false when the snapshot is not a clean 1:1
// shape (wrong size, bot absent, malformed records).
func (b *Bot) otherParticipant(snapshot *roomcache.Snapshot) (id.UserID, bool) {
	if len(snapshot.Membership) != 2 {
		return "", false
	}
	if _, ok := snapshot.Membership[b.userID]; !ok {
		return "", false
	}
	for user := range snapshot.Membership {
		if user != b.userID {
			return user, true
		}
	}
	return "", false
}

// isPrivateChannel reports whether a room is an established 1:1 channel
// between the bot and someone else. Known channels answer from memory;
// otherwise the membership snapshot decides (and a hit is remembered).
func (b *Bot) isPrivateChannel(ctx context.Context, roomID id.RoomID) bool {
	b.mu.Lock()
	_, known := b.privateRooms[roomID]
	b.mu.Unlock()
	if known {
		return true
	}

	snapshot, err := b.cache.Members(ctx, roomID)
	if err != nil {
		b.log.Debug().Err(err).Str("room_id", roomID.String()).Msg("Cannot inspect room for 1:1 shape")
		return false
	}
	other, ok := b.otherParticipant(snapshot)
	if !ok || !snapshot.IsJoined(b.userID) {
		return false
	}
	if len(snapshot.Participants()) != 2 {
		return false
	}
	b.rememberPrivateRoom(roomID, other)
	return true
}

func (b *Bot) rememberPrivateRoom(roomID id.RoomID, counterpart id.UserID) {
	b.mu.Lock()
	b.privateRooms[roomID] = counterpart
	b.mu.Unlock()
}

func (b *Bot) forgetPrivateRoom(roomID id.RoomID) {
	b.mu.Lock()
	delete(b.privateRooms, roomID)
	b.mu.Unlock()
}

// privateChannel finds or creates the canonical 1:1 room with counterpart.
//
// It first sweeps the bot's rooms and reclaims abandoned 1:1 channels
// (counterpart already left): the stale member record is kicked and the bot
// leaves and forgets the room. This keeps exactly one live channel per
// counterpart and prevents a stale room from shadowing the real one. The
// sweep is best-effort; its failures are logged, never fatal.
//
// The search then looks for a surviving 1:1 room whose second member holds
// join or invite state toward the counterpart, consulting previous-state
// records for membership shapes the current state no longer shows. If no
// room qualifies, a fresh non-public direct room is created, the
// counterpart invited, and the one-time greeting sent.
func (b *Bot) privateChannel(ctx context.Context, counterpart id.UserID) (id.RoomID, error) {
	b.mu.Lock()
	var known id.RoomID
	for roomID, other := range b.privateRooms {
		if other == counterpart {
			known = roomID
			break
		}
	}
	b.mu.Unlock()
	if known != "" {
		// A remembered channel is only trusted while the counterpart still
		// holds join or invite state; an abandoned one falls through to the
		// sweep below, which reclaims it.
		snapshot, err := b.cache.Members(ctx, known)
		if err == nil && snapshot.IsJoined(b.userID) {
			if m := snapshot.Membership[counterpart]; m == event.MembershipJoin || m == event.MembershipInvite {
				return known, nil
			}
		}
		b.forgetPrivateRoom(known)
	}

	joined, err := b.api.JoinedRooms(ctx)
	if err != nil {
		return "", fmt.Errorf("list joined rooms: %w", err)
	}

	live := b.sweepStaleChannels(ctx, joined.JoinedRooms)

	for _, roomID := range live {
		snapshot, err := b.cache.Members(ctx, roomID)
		if err != nil {
			b.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Skipping unreadable room in 1:1 search")
			continue
		}
		other, ok := b.otherParticipant(snapshot)
		if !ok || other != counterpart || !snapshot.IsJoined(b.userID) {
			continue
		}
		held, ok := snapshot.Held(other)
		if !ok || (held != event.MembershipJoin && held != event.MembershipInvite) {
			continue
		}
		b.rememberPrivateRoom(roomID, counterpart)
		return roomID, nil
	}

	return b.createPrivateChannel(ctx, counterpart)
}

// sweepStaleChannels reclaims 1:1 rooms whose counterpart has left and
// returns the rooms that remain candidates.
func (b *Bot) sweepStaleChannels(ctx context.Context, rooms []id.RoomID) []id.RoomID {
	live := make([]id.RoomID, 0, len(rooms))
	for _, roomID := range rooms {
		snapshot, err := b.cache.Members(ctx, roomID)
		if err != nil {
			b.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Cannot inspect room during stale sweep")
			continue
		}
		other, ok := b.otherParticipant(snapshot)
		if !ok || snapshot.Membership[other] != event.MembershipLeave {
			live = append(live, roomID)
			continue
		}

		log := b.log.With().
			Str("room_id", roomID.String()).
			Str("counterpart", other.String()).
			Logger()
		log.Info().Msg("Reclaiming abandoned 1:1 channel")
		if _, err := b.api.KickUser(ctx, roomID, &mautrix.ReqKickUser{
			UserID: other,
			Reason: "stale 1:1 channel cleanup",
		}); err != nil {
			log.Warn().Err(err).Msg("Cannot kick stale member record")
		}
		if _, err := b.api.LeaveRoom(ctx, roomID); err != nil {
			log.Warn().Err(err).Msg("Cannot leave stale channel")
		}
		if _, err := b.api.ForgetRoom(ctx, roomID); err != nil {
			log.Warn().Err(err).Msg("Cannot forget stale channel")
		}
		b.cache.Invalidate(roomID)
		b.forgetPrivateRoom(roomID)
	}
	return live
}

// createPrivateChannel creates a fresh non-public direct room with the
// counterpart and sends the one-time greeting.
func (b *Bot) createPrivateChannel(ctx context.Context, counterpart id.UserID) (id.RoomID, error) {
	var resp *mautrix.RespCreateRoom
	err := b.withRetry(ctx, "create_room", func(ctx context.Context) error {
		var err error
		resp, err = b.api.CreateRoom(ctx, &mautrix.ReqCreateRoom{
			Visibility: "private",
			Preset:     "trusted_private_chat",
			IsDirect:   true,
			Invite:     []id.UserID{counterpart},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create private channel with %s: %w", counterpart, err)
	}

	b.rememberPrivateRoom(resp.RoomID, counterpart)
	b.log.Info().
		Str("room_id", resp.RoomID.String()).
		Str("counterpart", counterpart.String()).
		Msg("Created private channel")

	if err := b.sendText(ctx, resp.RoomID, b.cfg.Bot.Greeting); err != nil {
		b.log.Warn().Err(err).Msg("Greeting delivery failed")
	}
	return resp.RoomID, nil
}

// replyPrivate delivers text to the sender's private channel, falling back
// to a log entry when no channel can be established.
func (b *Bot) replyPrivate(ctx context.Context, user id.UserID, text string) {
	roomID, err := b.privateChannel(ctx, user)
	if err != nil {
		b.log.Error().Err(err).Str("user", user.String()).Msg("No private reply channel")
		return
	}
	if err := b.sendText(ctx, roomID, text); err != nil {
		b.log.Error().Err(err).Str("user", user.String()).Msg("Private reply failed")
	}
}
