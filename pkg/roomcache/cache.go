// Copyright 2024-2026 The Bender Authors

// Package roomcache fronts room-membership queries with a short-TTL cache so
// one polling cycle does not repeat identical /members round-trips. Mutating
// callers (invite, kick) are expected to Invalidate the affected room so the
// next lookup is fresh.
package roomcache

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MemberFetcher loads the raw m.room.member state events for a room.
type MemberFetcher interface {
	MemberEvents(ctx context.Context, roomID id.RoomID) ([]*event.Event, error)
}

// Snapshot is the digested membership state of one room at fetch time.
type Snapshot struct {
	// Membership holds the current membership of every user with a member
	// event in the room.
	Membership map[id.UserID]event.Membership
	// Previous holds the prior membership for users whose member event
	// carried a prev_content record, letting callers reason about users who
	// have already transitioned away.
	Previous map[id.UserID]event.Membership
}

// IsJoined reports whether the user currently holds join membership.
func (s *Snapshot) IsJoined(user id.UserID) bool {
	return s.Membership[user] == event.MembershipJoin
}

// Participants returns the users currently holding join or invite
// membership, the set that defines a room's size for 1:1 detection.
func (s *Snapshot) Participants() []id.UserID {
	var users []id.UserID
	for user, membership := range s.Membership {
		if membership == event.MembershipJoin || membership == event.MembershipInvite {
			users = append(users, user)
		}
	}
	return users
}

// Held returns the user's current membership, falling back to the previous
// record when the current one no longer counts them in (leave/ban). The
// boolean reports whether any record exists at all.
func (s *Snapshot) Held(user id.UserID) (event.Membership, bool) {
	if m, ok := s.Membership[user]; ok && m != event.MembershipLeave && m != event.MembershipBan {
		return m, true
	}
	if m, ok := s.Previous[user]; ok {
		return m, true
	}
	m, ok := s.Membership[user]
	return m, ok
}

// Cache is a TTL-bounded store of membership snapshots keyed by room ID.
// Reads within the TTL are served from memory; Invalidate forces the next
// read to hit the transport. Safe for concurrent use.
type Cache struct {
	store *ttlcache.Cache[id.RoomID, *Snapshot]
	fetch MemberFetcher
	log   zerolog.Logger
}

// New creates a Cache with the given TTL. Call Start to enable background
// eviction and Stop on shutdown.
func New(fetch MemberFetcher, ttl time.Duration, log zerolog.Logger) *Cache {
	return &Cache{
		store: ttlcache.New[id.RoomID, *Snapshot](
			ttlcache.WithTTL[id.RoomID, *Snapshot](ttl),
			ttlcache.WithDisableTouchOnHit[id.RoomID, *Snapshot](),
		),
		fetch: fetch,
		log:   log.With().Str("component", "roomcache").Logger(),
	}
}

// Start runs the expired-entry janitor until Stop is called.
func (c *Cache) Start() { c.store.Start() }

// Stop terminates the janitor started by Start.
func (c *Cache) Stop() { c.store.Stop() }

// Members returns the membership snapshot for a room, fetching it if the
// cached copy is missing or expired.
func (c *Cache) Members(ctx context.Context, roomID id.RoomID) (*Snapshot, error) {
	if item := c.store.Get(roomID); item != nil {
		return item.Value(), nil
	}

	events, err := c.fetch.MemberEvents(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("fetch members of %s: %w", roomID, err)
	}
	snapshot := buildSnapshot(events)
	c.store.Set(roomID, snapshot, ttlcache.DefaultTTL)
	c.log.Debug().
		Str("room_id", roomID.String()).
		Int("members", len(snapshot.Membership)).
		Msg("Membership snapshot refreshed")
	return snapshot, nil
}

// Invalidate drops the cached snapshot for a room.
func (c *Cache) Invalidate(roomID id.RoomID) {
	c.store.Delete(roomID)
}

// buildSnapshot digests raw member events into a Snapshot. Events without a
// state key or with unparsable content are skipped rather than failing the
// whole room.
func buildSnapshot(events []*event.Event) *Snapshot {
	snapshot := &Snapshot{
		Membership: make(map[id.UserID]event.Membership),
		Previous:   make(map[id.UserID]event.Membership),
	}
	for _, evt := range events {
		if evt == nil || evt.Type != event.StateMember || evt.StateKey == nil {
			continue
		}
		user := id.UserID(*evt.StateKey)
		if evt.Content.Parsed == nil {
			if err := evt.Content.ParseRaw(evt.Type); err != nil {
				continue
			}
		}
		content, ok := evt.Content.Parsed.(*event.MemberEventContent)
		if !ok {
			continue
		}
		snapshot.Membership[user] = content.Membership
		if prev := evt.Unsigned.PrevContent; prev != nil {
			if prev.Parsed == nil {
				_ = prev.ParseRaw(evt.Type)
			}
			if prevContent, ok := prev.Parsed.(*event.MemberEventContent); ok {
				snapshot.Previous[user] = prevContent.Membership
			}
		}
	}
	return snapshot
}
