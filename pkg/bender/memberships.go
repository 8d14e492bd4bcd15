// Copyright 2024-2026 The Bender Authors

package bender

import (
	"context"

	"github.com/chatops-bots/bender/pkg/selector"
)

// maintainMemberships enforces the configured standing membership rules
// once per cycle: each subscription's selection is invited into its room,
// each revocation's selection is kicked out. Rules are idempotent, a user
// already in the desired state is skipped, so a quiet cycle makes no
// transport calls beyond the membership reads.
func (b *Bot) maintainMemberships(ctx context.Context) {
	b.applyMembershipRules(ctx, ActionInvite, b.cfg.Subscriptions)
	b.applyMembershipRules(ctx, ActionKick, b.cfg.Revocations)
}

// applyMembershipRules runs one action over every configured room rule.
// Rule failures are logged per room and never abort the remaining rules.
func (b *Bot) applyMembershipRules(ctx context.Context, action Action, rules map[string][]string) {
	for ref, tokens := range rules {
		log := b.log.With().
			Str("room", ref).
			Str("action", string(action)).
			Logger()

		roomID, err := b.ResolveRoom(ctx, ref)
		if err != nil {
			log.Warn().Err(err).Msg("Cannot resolve membership rule room")
			continue
		}
		selection := selector.Resolve(log.WithContext(ctx), tokens, b.dir, b.domain)
		if len(selection) == 0 {
			continue
		}
		snapshot, err := b.cache.Members(ctx, roomID)
		if err != nil {
			log.Warn().Err(err).Msg("Cannot read membership rule room")
			continue
		}
		pending := filterPending(action, snapshot, selection)
		if len(pending) == 0 {
			continue
		}

		applied := 0
		for _, user := range pending {
			if err := b.memberAction(ctx, action, roomID, user, "membership rule"); err != nil {
				log.Warn().Err(err).Str("user", user.String()).Msg("Membership rule action failed")
				continue
			}
			applied++
		}
		b.cache.Invalidate(roomID)
		log.Info().Int("users", applied).Msg("Membership rule applied")
	}
}
