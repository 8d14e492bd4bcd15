// Copyright 2024-2026 The Bender Authors

// Package selector turns free-text command arguments into a resolved set of
// Matrix user IDs. Arguments mix literal users, +group references expanded
// through a directory lookup, and the "but" separator that flips the
// resolver from inclusion to exclusion mode.
package selector

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// Separator flips the resolver from inclusion to exclusion mode.
const Separator = "but"

// GroupMarker prefixes a token that names a directory group.
const GroupMarker = "+"

// GroupLookup provides the full group-membership snapshot used for one
// resolution. Implementations return raw member tokens (bare usernames, DN
// fragments) which the resolver normalizes; a failed lookup surfaces as a
// missing group, never as an error.
type GroupLookup interface {
	Groups(ctx context.Context) map[string][]string
}

// Normalize canonicalizes a raw user token into a fully qualified Matrix
// user ID: a missing sigil is prepended, a missing domain is appended.
// Already-canonical IDs pass through unchanged.
func Normalize(raw, domain string) id.UserID {
	if !strings.HasPrefix(raw, "@") {
		raw = "@" + raw
	}
	if !strings.Contains(raw, ":") {
		raw = raw + ":" + domain
	}
	return id.UserID(raw)
}

// orderedSet is an insertion-ordered set of user IDs. Adding a member a
// second time is a no-op.
type orderedSet struct {
	order   []id.UserID
	present map[id.UserID]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{present: make(map[id.UserID]struct{})}
}

func (s *orderedSet) add(user id.UserID) {
	if _, ok := s.present[user]; ok {
		return
	}
	s.present[user] = struct{}{}
	s.order = append(s.order, user)
}

func (s *orderedSet) has(user id.UserID) bool {
	_, ok := s.present[user]
	return ok
}

// Resolve computes the user selection for a token stream. Tokens before the
// "but" separator add users, tokens after it remove them. A +group token
// expands to the group's members via the directory; an unknown group
// contributes nothing. The result is the included set minus the excluded
// set, in first-seen inclusion order. An empty token stream yields an empty
// selection.
//
// The directory is consulted at most once per call: the first group
// reference takes a single Groups snapshot and every later reference reads
// from it, so one command sees one consistent membership view.
func Resolve(ctx context.Context, tokens []string, dir GroupLookup, domain string) []id.UserID {
	log := zerolog.Ctx(ctx)
	included := newOrderedSet()
	excluded := newOrderedSet()
	appending := true

	var groups map[string][]string
	groupsLoaded := false

	target := func() *orderedSet {
		if appending {
			return included
		}
		return excluded
	}

	for _, token := range tokens {
		switch {
		case token == Separator:
			appending = false
		case strings.HasPrefix(token, GroupMarker):
			name := strings.TrimPrefix(token, GroupMarker)
			if !groupsLoaded {
				groups = dir.Groups(ctx)
				groupsLoaded = true
			}
			members, ok := groups[name]
			if !ok {
				log.Debug().Str("group", name).Msg("Group reference did not resolve")
				continue
			}
			for _, member := range members {
				target().add(Normalize(member, domain))
			}
		default:
			target().add(Normalize(token, domain))
		}
	}

	selected := make([]id.UserID, 0, len(included.order))
	for _, user := range included.order {
		if excluded.has(user) {
			continue
		}
		selected = append(selected, user)
	}
	return selected
}
