// Copyright 2024-2026 The Bender Authors

package bender

import (
	"context"
	"strings"

	"maunium.net/go/mautrix/id"
)

// Action identifies a recognized command keyword.
type Action string

const (
	ActionInvite     Action = "invite"
	ActionKick       Action = "kick"
	ActionJoin       Action = "join"
	ActionList       Action = "list"
	ActionCount      Action = "count"
	ActionListRooms  Action = "list-rooms"
	ActionListGroups Action = "list-groups"
	ActionHelp       Action = "help"
	ActionForward    Action = "forward-to-email"
	ActionUnknown    Action = "unknown"
)

var actions = map[string]Action{
	"invite":           ActionInvite,
	"kick":             ActionKick,
	"join":             ActionJoin,
	"list":             ActionList,
	"count":            ActionCount,
	"list-rooms":       ActionListRooms,
	"list-groups":      ActionListGroups,
	"help":             ActionHelp,
	"forward-to-email": ActionForward,
}

// Command is the parsed form of one directed message. Built fresh per
// incoming event and discarded after dispatch.
type Command struct {
	Action Action
	// DryRun computes and reports the affected set without acting.
	DryRun bool
	// TargetRoomRef is an explicit room override ("!id" or "#alias"), empty
	// when the command targets its arrival room.
	TargetRoomRef string
	// Args is the remaining token stream, handed to the selection resolver
	// or the action-specific handler.
	Args []string

	Sender      id.UserID
	ArrivalRoom id.RoomID
}

// directedBody returns the message remainder after the bot address, and
// whether the message is directed at the bot at all. A message in a known
// 1:1 private channel is implicitly addressed even without the prefix.
func (b *Bot) directedBody(ctx context.Context, body string, roomID id.RoomID) (string, bool) {
	trimmed := strings.TrimSpace(body)
	lower := strings.ToLower(trimmed)
	for _, sep := range []string{":", " "} {
		prefix := b.botName + sep
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(trimmed[len(prefix):]), true
		}
	}
	if b.isPrivateChannel(ctx, roomID) {
		return trimmed, true
	}
	return "", false
}

// applyAlias substitutes the whole post-address remainder when it matches a
// configured alias verbatim.
func (b *Bot) applyAlias(remainder string) string {
	if alias, ok := b.cfg.Bot.Aliases[remainder]; ok {
		b.log.Debug().Str("alias", remainder).Str("expansion", alias).Msg("Command alias applied")
		return alias
	}
	return remainder
}

// parseCommand turns a message body into a Command, or reports that the
// message is not directed at the bot. An address-only message or an
// unrecognized keyword still parses (as help/unknown) so the dispatcher can
// answer with usage text.
func (b *Bot) parseCommand(ctx context.Context, body string, sender id.UserID, roomID id.RoomID) (*Command, bool) {
	remainder, ok := b.directedBody(ctx, body, roomID)
	if !ok {
		return nil, false
	}
	remainder = b.applyAlias(remainder)

	cmd := &Command{Sender: sender, ArrivalRoom: roomID}
	tokens := strings.Fields(remainder)
	if len(tokens) == 0 {
		cmd.Action = ActionHelp
		return cmd, true
	}

	action, known := actions[strings.ToLower(tokens[0])]
	if !known {
		cmd.Action = ActionUnknown
		cmd.Args = tokens
		return cmd, true
	}
	cmd.Action = action
	cmd.Args = tokens[1:]

	switch action {
	case ActionInvite, ActionKick, ActionJoin:
		if len(cmd.Args) > 0 && cmd.Args[0] == "dryrun" {
			cmd.DryRun = true
			cmd.Args = cmd.Args[1:]
		}
	}
	if action == ActionInvite || action == ActionKick {
		if len(cmd.Args) > 0 && (strings.HasPrefix(cmd.Args[0], "!") || strings.HasPrefix(cmd.Args[0], "#")) {
			cmd.TargetRoomRef = cmd.Args[0]
			cmd.Args = cmd.Args[1:]
		}
	}
	return cmd, true
}
