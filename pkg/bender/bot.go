// Copyright 2024-2026 The Bender Authors

package bender

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/chatops-bots/bender/pkg/config"
	"github.com/chatops-bots/bender/pkg/plugin"
	"github.com/chatops-bots/bender/pkg/roomcache"
)

// api is the slice of the Matrix client-server API the bot uses. Tests
// inject a fake instead of a live *mautrix.Client.
type api interface {
	SyncRequest(ctx context.Context, timeout int, since, filterID string, fullState bool, setPresence event.Presence) (*mautrix.RespSync, error)
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
	JoinedRooms(ctx context.Context) (*mautrix.RespJoinedRooms, error)
	Members(ctx context.Context, roomID id.RoomID, req ...mautrix.ReqMembers) (*mautrix.RespMembers, error)
	InviteUser(ctx context.Context, roomID id.RoomID, req *mautrix.ReqInviteUser) (*mautrix.RespInviteUser, error)
	KickUser(ctx context.Context, roomID id.RoomID, req *mautrix.ReqKickUser) (*mautrix.RespKickUser, error)
	LeaveRoom(ctx context.Context, roomID id.RoomID, optionalReq ...*mautrix.ReqLeave) (*mautrix.RespLeaveRoom, error)
	ForgetRoom(ctx context.Context, roomID id.RoomID) (*mautrix.RespForgetRoom, error)
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (*mautrix.RespCreateRoom, error)
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (*mautrix.RespAliasResolve, error)
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error)
}

var _ api = (*mautrix.Client)(nil)

// GroupDirectory is the directory surface the bot needs: the selector's
// lookup plus the declared group names for list/help output.
type GroupDirectory interface {
	Groups(ctx context.Context) map[string][]string
	GroupNames() []string
}

// Mailer relays a forwarded message to a mailbox.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Bot is the chat-ops agent: it polls the homeserver for events, executes
// administrative commands resolved against the directory, and drives the
// configured plugins once per cycle.
type Bot struct {
	api     api
	cfg     *config.Config
	dir     GroupDirectory
	cache   *roomcache.Cache
	mailer  Mailer
	plugins []plugin.Plugin
	log     zerolog.Logger

	userID  id.UserID
	botName string
	domain  string

	// syncToken is the /sync continuation cursor. Single writer (the sync
	// loop), updated once per cycle.
	syncToken string

	mu sync.Mutex
	// privateRooms maps known 1:1 channel IDs to their counterpart.
	privateRooms map[id.RoomID]id.UserID
	// aliasCache holds resolved room aliases for the process lifetime.
	aliasCache map[string]id.RoomID
}

// memberFetcher adapts the transport's /members call to the cache.
type memberFetcher struct {
	api api
}

func (f memberFetcher) MemberEvents(ctx context.Context, roomID id.RoomID) ([]*event.Event, error) {
	resp, err := f.api.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return resp.Chunk, nil
}

// New assembles a Bot from an authenticated client and configuration.
// Plugins are attached separately with SetPlugins so their constructors can
// use the bot as their Host.
func New(client api, cfg *config.Config, dir GroupDirectory, mailer Mailer, log zerolog.Logger) *Bot {
	botName := strings.ToLower(cfg.Matrix.Username)
	return &Bot{
		api:          client,
		cfg:          cfg,
		dir:          dir,
		cache:        roomcache.New(memberFetcher{client}, cfg.Bot.CacheTTL.Std(), log),
		mailer:       mailer,
		log:          log.With().Str("component", "bot").Logger(),
		userID:       id.NewUserID(botName, cfg.Matrix.Domain),
		botName:      botName,
		domain:       cfg.Matrix.Domain,
		privateRooms: make(map[id.RoomID]id.UserID),
		aliasCache:   make(map[string]id.RoomID),
	}
}

// SetPlugins attaches the configured plugin instances. Call before Run.
func (b *Bot) SetPlugins(plugins []plugin.Plugin) {
	b.plugins = plugins
}

// UserID returns the bot's fully qualified Matrix user ID.
func (b *Bot) UserID() id.UserID { return b.userID }

// BotName implements plugin.Host.
func (b *Bot) BotName() string { return b.botName }

// withRetry runs a transport call up to the configured attempt count with a
// fixed delay between attempts, returning the last error once attempts are
// exhausted. The context aborts the wait, not an in-flight attempt.
func (b *Bot) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := b.cfg.Bot.RetryAttempts
	delay := b.cfg.Bot.RetryDelay.Std()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		b.log.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("Transport call failed")
		if attempt < attempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

// sendText sends a plain m.text message with retry.
func (b *Bot) sendText(ctx context.Context, roomID id.RoomID, text string) error {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	return b.withRetry(ctx, "send_text", func(ctx context.Context) error {
		_, err := b.api.SendMessageEvent(ctx, roomID, event.EventMessage, content)
		return err
	})
}

// SendNotice sends a plain m.notice message with retry. Implements
// plugin.Host.
func (b *Bot) SendNotice(ctx context.Context, roomID id.RoomID, text string) error {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	return b.withRetry(ctx, "send_notice", func(ctx context.Context) error {
		_, err := b.api.SendMessageEvent(ctx, roomID, event.EventMessage, content)
		return err
	})
}

// SendMarkdown renders markdown to a formatted message and sends it with
// retry. Implements plugin.Host.
func (b *Bot) SendMarkdown(ctx context.Context, roomID id.RoomID, markdown string) error {
	content := format.RenderMarkdown(markdown, true, false)
	return b.withRetry(ctx, "send_markdown", func(ctx context.Context) error {
		_, err := b.api.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
		return err
	})
}

// ResolveRoom turns a room reference (raw ID or alias, with or without the
// leading sigil and domain) into the real room ID. Alias resolutions are
// cached for the process lifetime. Implements plugin.Host.
func (b *Bot) ResolveRoom(ctx context.Context, roomRef string) (id.RoomID, error) {
	if strings.HasPrefix(roomRef, "!") {
		return id.RoomID(roomRef), nil
	}
	alias := roomRef
	if !strings.HasPrefix(alias, "#") {
		alias = "#" + alias
	}
	if !strings.Contains(alias, ":") {
		alias = alias + ":" + b.domain
	}

	b.mu.Lock()
	cached, ok := b.aliasCache[alias]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	resp, err := b.api.ResolveAlias(ctx, id.RoomAlias(alias))
	if err != nil {
		return "", fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	b.mu.Lock()
	b.aliasCache[alias] = resp.RoomID
	b.mu.Unlock()
	return resp.RoomID, nil
}

// joinConfiguredRooms joins every room listed in the configuration,
// including the rooms named by standing membership rules. Failures are
// logged and skipped; a missing room must not prevent startup.
func (b *Bot) joinConfiguredRooms(ctx context.Context) {
	refs := make([]string, 0, len(b.cfg.Matrix.Rooms))
	refs = append(refs, b.cfg.Matrix.Rooms...)
	for ref := range b.cfg.Subscriptions {
		refs = append(refs, ref)
	}
	for ref := range b.cfg.Revocations {
		refs = append(refs, ref)
	}
	for _, ref := range refs {
		roomID, err := b.ResolveRoom(ctx, ref)
		if err != nil {
			b.log.Error().Err(err).Str("room", ref).Msg("Cannot resolve configured room")
			continue
		}
		err = b.withRetry(ctx, "join_room", func(ctx context.Context) error {
			_, err := b.api.JoinRoomByID(ctx, roomID)
			return err
		})
		if err != nil {
			b.log.Error().Err(err).Str("room", ref).Msg("Cannot join configured room")
			continue
		}
		b.log.Info().Str("room", ref).Str("room_id", roomID.String()).Msg("Joined room")
	}
}
