// Copyright 2024-2026 The Bender Authors

package bender

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/chatops-bots/bender/pkg/roomcache"
	"github.com/chatops-bots/bender/pkg/selector"
)

// filterPending reduces a selection to the users the action would actually
// change: invite skips current members and invitees, kick keeps only joined
// members. This is what makes repeated commands and standing rules
// idempotent.
func filterPending(action Action, snapshot *roomcache.Snapshot, selection []id.UserID) []id.UserID {
	var pending []id.UserID
	for _, user := range selection {
		membership := snapshot.Membership[user]
		switch action {
		case ActionInvite:
			if membership != event.MembershipJoin && membership != event.MembershipInvite {
				pending = append(pending, user)
			}
		case ActionKick:
			if membership == event.MembershipJoin {
				pending = append(pending, user)
			}
		}
	}
	return pending
}

// memberAction performs one invite or kick against the transport, with the
// configured retry policy. The reason is only used for kicks.
func (b *Bot) memberAction(ctx context.Context, action Action, roomID id.RoomID, user id.UserID, reason string) error {
	return b.withRetry(ctx, string(action), func(ctx context.Context) error {
		switch action {
		case ActionInvite:
			_, err := b.api.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: user})
			return err
		default:
			_, err := b.api.KickUser(ctx, roomID, &mautrix.ReqKickUser{UserID: user, Reason: reason})
			return err
		}
	})
}

// handleMessage inspects one timeline message event and, when it carries a
// command directed at the bot, dispatches it. Every failure path is local:
// the caller's event loop never sees an error.
func (b *Bot) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.userID {
		return
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			b.log.Debug().Err(err).Str("event_id", evt.ID.String()).Msg("Unparsable message event")
			return
		}
	}
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText {
		return
	}
	// Rich replies prefix the body with the "> <@user> ..." fallback quote,
	// which would hide the bot address from the directed check.
	content.RemoveReplyFallback()

	cmd, ok := b.parseCommand(ctx, content.Body, evt.Sender, evt.RoomID)
	if !ok {
		return
	}

	if *b.cfg.Bot.LocalSendersOnly && evt.Sender.Homeserver() != b.domain {
		// Dropped without a reply so federated senders cannot probe the
		// command surface.
		b.log.Warn().
			Str("sender", evt.Sender.String()).
			Str("action", string(cmd.Action)).
			Msg("Command from non-local sender dropped")
		return
	}

	log := b.log.With().
		Str("sender", cmd.Sender.String()).
		Str("room_id", cmd.ArrivalRoom.String()).
		Str("action", string(cmd.Action)).
		Logger()
	log.Info().Strs("args", cmd.Args).Bool("dry_run", cmd.DryRun).Msg("Command received")
	ctx = log.WithContext(ctx)

	switch cmd.Action {
	case ActionInvite, ActionKick:
		b.handleMembershipChange(ctx, cmd)
	case ActionJoin:
		b.handleJoin(ctx, cmd)
	case ActionList:
		b.handleList(ctx, cmd)
	case ActionCount:
		b.handleCount(ctx, cmd)
	case ActionListRooms:
		b.handleListRooms(ctx, cmd)
	case ActionListGroups:
		b.handleListGroups(ctx, cmd)
	case ActionForward:
		b.handleForward(ctx, cmd, content)
	case ActionHelp:
		b.handleHelp(ctx, cmd)
	default:
		for _, p := range b.plugins {
			if p.HandleCommand(ctx, cmd.Sender, cmd.ArrivalRoom, cmd.Args) {
				return
			}
		}
		b.handleHelp(ctx, cmd)
	}
}

// handleMembershipChange executes invite and kick. The sender must be a
// member of the target room; the resolved selection is filtered against a
// freshly refetched membership snapshot so repeating a command never
// re-invites or no-op-kicks anyone.
func (b *Bot) handleMembershipChange(ctx context.Context, cmd *Command) {
	target := cmd.ArrivalRoom
	if cmd.TargetRoomRef != "" {
		resolved, err := b.ResolveRoom(ctx, cmd.TargetRoomRef)
		if err != nil {
			b.replyPrivate(ctx, cmd.Sender, fmt.Sprintf("I cannot find room %s", cmd.TargetRoomRef))
			return
		}
		target = resolved
	}

	snapshot, err := b.cache.Members(ctx, target)
	if err != nil {
		b.log.Error().Err(err).Str("room_id", target.String()).Msg("Membership lookup failed")
		b.replyPrivate(ctx, cmd.Sender, "I cannot read the room's member list right now, giving up")
		return
	}
	if !snapshot.IsJoined(cmd.Sender) {
		b.replyPrivate(ctx, cmd.Sender,
			fmt.Sprintf("You are not a member of %s, so you cannot manage it", target))
		return
	}

	selection := selector.Resolve(ctx, cmd.Args, b.dir, b.domain)
	if len(selection) == 0 {
		b.replyPrivate(ctx, cmd.Sender, "No users found")
		return
	}

	// Refresh once per command so the idempotence filter below sees the
	// room as it is now, not as it was earlier in the cycle.
	b.cache.Invalidate(target)
	snapshot, err = b.cache.Members(ctx, target)
	if err != nil {
		b.log.Error().Err(err).Str("room_id", target.String()).Msg("Membership refresh failed")
		b.replyPrivate(ctx, cmd.Sender, "I cannot read the room's member list right now, giving up")
		return
	}

	pending := filterPending(cmd.Action, snapshot, selection)

	if cmd.DryRun {
		b.replyPrivate(ctx, cmd.Sender,
			fmt.Sprintf("Simulated '%s' in %s over: %s", cmd.Action, target, joinUsers(pending)))
		return
	}
	if len(pending) == 0 {
		b.replyPrivate(ctx, cmd.Sender,
			fmt.Sprintf("Nothing to do: everyone in %s is already as requested", target))
		return
	}

	var done, failed []id.UserID
	for _, user := range pending {
		if err := b.memberAction(ctx, cmd.Action, target, user, "requested by "+cmd.Sender.String()); err != nil {
			failed = append(failed, user)
			continue
		}
		done = append(done, user)
	}
	b.cache.Invalidate(target)

	verb := "Invited"
	if cmd.Action == ActionKick {
		verb = "Kicked"
	}
	summary := fmt.Sprintf("%s %d user(s) in %s: %s", verb, len(done), target, joinUsers(done))
	if len(failed) > 0 {
		summary += fmt.Sprintf(" (failed for: %s)", joinUsers(failed))
	}
	b.replyPrivate(ctx, cmd.Sender, summary)
}

// handleJoin serves the self-service "join <room-alias>" command. Only
// local-domain rooms referenced by alias are eligible, and the alias's
// allow-list (or the global default) must resolve to a set containing the
// sender.
func (b *Bot) handleJoin(ctx context.Context, cmd *Command) {
	if len(cmd.Args) == 0 {
		b.replyPrivate(ctx, cmd.Sender, fmt.Sprintf("Usage: %s: join <room-alias>", b.botName))
		return
	}
	ref := cmd.Args[0]
	if strings.HasPrefix(ref, "!") {
		b.replyPrivate(ctx, cmd.Sender, "join works with room aliases, not raw room IDs")
		return
	}

	name := strings.TrimPrefix(ref, "#")
	if localpart, domain, ok := strings.Cut(name, ":"); ok {
		if domain != b.domain {
			b.replyPrivate(ctx, cmd.Sender,
				fmt.Sprintf("I only manage rooms on %s", b.domain))
			return
		}
		name = localpart
	}

	allowTokens, ok := b.cfg.Join.Rooms[name]
	if !ok {
		allowTokens = b.cfg.Join.DefaultAllowed
	}
	allowed := selector.Resolve(ctx, allowTokens, b.dir, b.domain)
	if !slices.Contains(allowed, cmd.Sender) {
		b.log.Warn().Str("room", name).Msg("Join request denied")
		b.replyPrivate(ctx, cmd.Sender, fmt.Sprintf("You are not allowed to join #%s", name))
		return
	}

	roomID, err := b.ResolveRoom(ctx, "#"+name+":"+b.domain)
	if err != nil {
		b.replyPrivate(ctx, cmd.Sender, fmt.Sprintf("I cannot find a room named #%s", name))
		return
	}

	if cmd.DryRun {
		b.replyPrivate(ctx, cmd.Sender,
			fmt.Sprintf("Simulated 'join': you would be invited into #%s", name))
		return
	}

	err = b.withRetry(ctx, "join_invite", func(ctx context.Context) error {
		_, err := b.api.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: cmd.Sender})
		return err
	})
	if err != nil {
		b.replyPrivate(ctx, cmd.Sender, fmt.Sprintf("Inviting you into #%s failed, sorry", name))
		return
	}
	b.cache.Invalidate(roomID)
	b.replyPrivate(ctx, cmd.Sender,
		fmt.Sprintf("You are invited into #%s now, accept the invite to join", name))
}

// handleList answers membership questions in the room they were asked in:
// bare "list" names the declared groups, "+group" arguments expand to
// members, anything else echoes as a normalized user.
func (b *Bot) handleList(ctx context.Context, cmd *Command) {
	if len(cmd.Args) == 0 {
		b.sendTextLogged(ctx, cmd.ArrivalRoom, "groups: "+strings.Join(b.dir.GroupNames(), " "))
		return
	}

	groups := b.dir.Groups(ctx)
	var lines []string
	for _, arg := range cmd.Args {
		if name, ok := strings.CutPrefix(arg, selector.GroupMarker); ok {
			members, found := groups[name]
			if !found {
				lines = append(lines, fmt.Sprintf("group %s not found", name))
				continue
			}
			normalized := make([]string, len(members))
			for i, member := range members {
				normalized[i] = selector.Normalize(member, b.domain).String()
			}
			lines = append(lines, fmt.Sprintf("group %s members: %s", name, strings.Join(normalized, " ")))
			continue
		}
		lines = append(lines, "user: "+selector.Normalize(arg, b.domain).String())
	}
	b.sendTextLogged(ctx, cmd.ArrivalRoom, strings.Join(lines, "\n"))
}

// handleCount reports the size of the resolved selection.
func (b *Bot) handleCount(ctx context.Context, cmd *Command) {
	selection := selector.Resolve(ctx, cmd.Args, b.dir, b.domain)
	b.sendTextLogged(ctx, cmd.ArrivalRoom, fmt.Sprintf("%d user(s) selected", len(selection)))
}

// handleListRooms names the rooms the bot currently occupies.
func (b *Bot) handleListRooms(ctx context.Context, cmd *Command) {
	var joined *mautrix.RespJoinedRooms
	err := b.withRetry(ctx, "joined_rooms", func(ctx context.Context) error {
		var err error
		joined, err = b.api.JoinedRooms(ctx)
		return err
	})
	if err != nil {
		b.sendTextLogged(ctx, cmd.ArrivalRoom, "I cannot list my rooms right now")
		return
	}
	refs := make([]string, len(joined.JoinedRooms))
	for i, roomID := range joined.JoinedRooms {
		refs[i] = roomID.String()
	}
	b.sendTextLogged(ctx, cmd.ArrivalRoom,
		fmt.Sprintf("I am in %d room(s): %s", len(refs), strings.Join(refs, " ")))
}

func (b *Bot) handleListGroups(ctx context.Context, cmd *Command) {
	b.sendTextLogged(ctx, cmd.ArrivalRoom, "groups: "+strings.Join(b.dir.GroupNames(), " "))
}

// handleForward relays the replied-to message to a mailbox. Valid only as a
// reply, and only when a mail relay is configured.
func (b *Bot) handleForward(ctx context.Context, cmd *Command, content *event.MessageEventContent) {
	if b.mailer == nil {
		b.sendTextLogged(ctx, cmd.ArrivalRoom, "Mail forwarding is not configured")
		return
	}
	if len(cmd.Args) == 0 {
		b.sendTextLogged(ctx, cmd.ArrivalRoom,
			fmt.Sprintf("Usage: reply to a message with '%s: forward-to-email <mailbox>'", b.botName))
		return
	}
	replyTo := content.RelatesTo.GetReplyTo()
	if replyTo == "" {
		b.sendTextLogged(ctx, cmd.ArrivalRoom, "forward-to-email only works as a reply to a message")
		return
	}

	var source *event.Event
	err := b.withRetry(ctx, "get_event", func(ctx context.Context) error {
		var err error
		source, err = b.api.GetEvent(ctx, cmd.ArrivalRoom, replyTo)
		return err
	})
	if err != nil {
		b.sendTextLogged(ctx, cmd.ArrivalRoom, "I cannot fetch the message you replied to")
		return
	}
	if source.Content.Parsed == nil {
		_ = source.Content.ParseRaw(source.Type)
	}
	body := source.Content.AsMessage().Body

	mailbox := cmd.Args[0]
	subject := fmt.Sprintf("Message forwarded from %s by %s", cmd.ArrivalRoom, cmd.Sender)
	if err := b.mailer.Send(ctx, mailbox, subject, body); err != nil {
		b.log.Error().Err(err).Str("mailbox", mailbox).Msg("Mail relay failed")
		b.sendTextLogged(ctx, cmd.ArrivalRoom, "Forwarding failed, sorry")
		return
	}
	b.sendTextLogged(ctx, cmd.ArrivalRoom, "Forwarded to "+mailbox)
}

// handleHelp prints the command reference, including plugin contributions.
func (b *Bot) handleHelp(ctx context.Context, cmd *Command) {
	var sb strings.Builder
	sb.WriteString("Examples:\n")
	for _, line := range []string{
		"help",
		"invite [dryrun] [!room|#alias] (@user|+group) ... [ but (@user|+group) ... ]",
		"kick   [dryrun] [!room|#alias] (@user|+group) ... [ but (@user|+group) ... ]",
		"join <room-alias>",
		"list   [ (@user|+group) ... ]",
		"count  [ (@user|+group) ... [ but ... ] ]",
		"list-rooms",
		"list-groups",
		"forward-to-email <mailbox>   (as a reply to a message)",
	} {
		fmt.Fprintf(&sb, "%s: %s\n", b.botName, line)
	}

	for _, p := range b.plugins {
		if line := p.Help(cmd.Sender, cmd.ArrivalRoom); line != "" {
			sb.WriteString(line + "\n")
		}
	}

	if len(b.cfg.Bot.Aliases) > 0 {
		sb.WriteString("\nAvailable command aliases:\n")
		for alias, expansion := range b.cfg.Bot.Aliases {
			fmt.Fprintf(&sb, "%s: %s ==> %s\n", b.botName, alias, expansion)
		}
	}
	sb.WriteString("\nAvailable groups: " + strings.Join(b.dir.GroupNames(), ", "))

	b.sendTextLogged(ctx, cmd.ArrivalRoom, sb.String())
}

// sendTextLogged sends a message and downgrades a delivery failure to a log
// entry; conversational replies never abort command handling.
func (b *Bot) sendTextLogged(ctx context.Context, roomID id.RoomID, text string) {
	if err := b.sendText(ctx, roomID, text); err != nil {
		b.log.Error().Err(err).Str("room_id", roomID.String()).Msg("Reply delivery failed")
	}
}

func joinUsers(users []id.UserID) string {
	if len(users) == 0 {
		return "(nobody)"
	}
	parts := make([]string, len(users))
	for i, user := range users {
		parts[i] = user.String()
	}
	return strings.Join(parts, " ")
}
