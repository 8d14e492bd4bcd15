// Copyright 2024-2026 The Bender Authors

package bender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/chatops-bots/bender/pkg/config"
	"github.com/chatops-bots/bender/pkg/plugin"
)

type sentMessage struct {
	room id.RoomID
	body string
}

// fakeAPI implements the bot's transport interface in memory and records
// every mutating call.
type fakeAPI struct {
	mu sync.Mutex

	syncQueue []*mautrix.RespSync
	syncErr   error
	syncSince []string

	joinedRooms  []id.RoomID
	memberEvents map[id.RoomID][]*event.Event
	aliases      map[id.RoomAlias]id.RoomID
	storedEvents map[id.EventID]*event.Event

	resolveCalls int
	roomSeq      int

	joined  []id.RoomID
	invited []string
	kicked  []string
	left    []id.RoomID
	forgot  []id.RoomID
	created []*mautrix.ReqCreateRoom
	sent    []sentMessage

	inviteErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		memberEvents: make(map[id.RoomID][]*event.Event),
		aliases:      make(map[id.RoomAlias]id.RoomID),
		storedEvents: make(map[id.EventID]*event.Event),
	}
}

func (f *fakeAPI) SyncRequest(_ context.Context, _ int, since, _ string, _ bool, _ event.Presence) (*mautrix.RespSync, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncSince = append(f.syncSince, since)
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	if len(f.syncQueue) == 0 {
		return &mautrix.RespSync{NextBatch: since}, nil
	}
	resp := f.syncQueue[0]
	f.syncQueue = f.syncQueue[1:]
	return resp, nil
}

func (f *fakeAPI) JoinRoomByID(_ context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomID)
	return &mautrix.RespJoinRoom{RoomID: roomID}, nil
}

func (f *fakeAPI) JoinedRooms(_ context.Context) (*mautrix.RespJoinedRooms, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mautrix.RespJoinedRooms{JoinedRooms: append([]id.RoomID(nil), f.joinedRooms...)}, nil
}

func (f *fakeAPI) Members(_ context.Context, roomID id.RoomID, _ ...mautrix.ReqMembers) (*mautrix.RespMembers, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mautrix.RespMembers{Chunk: f.memberEvents[roomID]}, nil
}

func (f *fakeAPI) InviteUser(_ context.Context, roomID id.RoomID, req *mautrix.ReqInviteUser) (*mautrix.RespInviteUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inviteErr != nil {
		return nil, f.inviteErr
	}
	f.invited = append(f.invited, fmt.Sprintf("%s/%s", roomID, req.UserID))
	return &mautrix.RespInviteUser{}, nil
}

func (f *fakeAPI) KickUser(_ context.Context, roomID id.RoomID, req *mautrix.ReqKickUser) (*mautrix.RespKickUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, fmt.Sprintf("%s/%s", roomID, req.UserID))
	return &mautrix.RespKickUser{}, nil
}

func (f *fakeAPI) LeaveRoom(_ context.Context, roomID id.RoomID, _ ...*mautrix.ReqLeave) (*mautrix.RespLeaveRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, roomID)
	return &mautrix.RespLeaveRoom{}, nil
}

func (f *fakeAPI) ForgetRoom(_ context.Context, roomID id.RoomID) (*mautrix.RespForgetRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, roomID)
	return &mautrix.RespForgetRoom{}, nil
}

func (f *fakeAPI) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (*mautrix.RespCreateRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomSeq++
	roomID := id.RoomID(fmt.Sprintf("!created%d:example.org", f.roomSeq))
	f.created = append(f.created, req)
	f.joinedRooms = append(f.joinedRooms, roomID)
	events := []*event.Event{memberEvt("@bender:example.org", event.MembershipJoin)}
	for _, user := range req.Invite {
		events = append(events, memberEvt(user.String(), event.MembershipInvite))
	}
	f.memberEvents[roomID] = events
	return &mautrix.RespCreateRoom{RoomID: roomID}, nil
}

func (f *fakeAPI) ResolveAlias(_ context.Context, alias id.RoomAlias) (*mautrix.RespAliasResolve, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	roomID, ok := f.aliases[alias]
	if !ok {
		return nil, errors.New("M_NOT_FOUND: room alias not found")
	}
	return &mautrix.RespAliasResolve{RoomID: roomID}, nil
}

func (f *fakeAPI) SendMessageEvent(_ context.Context, roomID id.RoomID, _ event.Type, contentJSON any, _ ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body := fmt.Sprintf("%v", contentJSON)
	if content, ok := contentJSON.(*event.MessageEventContent); ok {
		body = content.Body
	}
	f.sent = append(f.sent, sentMessage{room: roomID, body: body})
	return &mautrix.RespSendEvent{}, nil
}

func (f *fakeAPI) GetEvent(_ context.Context, _ id.RoomID, eventID id.EventID) (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evt, ok := f.storedEvents[eventID]
	if !ok {
		return nil, errors.New("M_NOT_FOUND: event not found")
	}
	return evt, nil
}

func (f *fakeAPI) sentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := make([]string, len(f.sent))
	for i, msg := range f.sent {
		bodies[i] = msg.body
	}
	return bodies
}

type fakeDirectory struct {
	groups map[string][]string
}

func (d fakeDirectory) Groups(context.Context) map[string][]string { return d.groups }

func (d fakeDirectory) GroupNames() []string {
	names := make([]string, 0, len(d.groups))
	for name := range d.groups {
		names = append(names, name)
	}
	return names
}

func memberEvt(user string, membership event.Membership) *event.Event {
	return &event.Event{
		Type:     event.StateMember,
		StateKey: ptr.Ptr(user),
		Content:  event.Content{Parsed: &event.MemberEventContent{Membership: membership}},
	}
}

func memberEvtWithPrev(user string, membership, previous event.Membership) *event.Event {
	evt := memberEvt(user, membership)
	evt.Unsigned.PrevContent = &event.Content{
		Parsed: &event.MemberEventContent{Membership: previous},
	}
	return evt
}

func msgEvt(sender id.UserID, room id.RoomID, body string) *event.Event {
	return &event.Event{
		Type:   event.EventMessage,
		Sender: sender,
		RoomID: room,
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

func testConfig() *config.Config {
	localOnly := true
	return &config.Config{
		Matrix: config.Matrix{
			Homeserver: "https://matrix.example.org",
			Username:   "bender",
			Domain:     "example.org",
		},
		Bot: config.Bot{
			Period:           config.Duration(time.Second),
			SyncTimeout:      config.Duration(time.Second),
			RetryAttempts:    2,
			RetryDelay:       config.Duration(time.Millisecond),
			CacheTTL:         config.Duration(time.Minute),
			LocalSendersOnly: &localOnly,
			Greeting:         "Hi! I am bender.",
			Aliases:          map[string]string{"whoson": "list +ops"},
		},
		Join: config.Join{
			Rooms: map[string][]string{"ops": {"@boss:example.org"}},
		},
	}
}

func newTestBot(f *fakeAPI) *Bot {
	dir := fakeDirectory{groups: map[string][]string{
		"ops": {"alice", "bob"},
	}}
	return New(f, testConfig(), dir, nil, zerolog.Nop())
}

const (
	boss  = id.UserID("@boss:example.org")
	room  = id.RoomID("!room:example.org")
	privR = id.RoomID("!priv:example.org")
)

// withPrivateChannel pre-establishes a user's 1:1 channel so private
// replies land somewhere observable without exercising room creation.
func withPrivateChannel(b *Bot, f *fakeAPI, user id.UserID, roomID id.RoomID) {
	b.rememberPrivateRoom(roomID, user)
	f.mu.Lock()
	f.joinedRooms = append(f.joinedRooms, roomID)
	f.memberEvents[roomID] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt(user.String(), event.MembershipJoin),
	}
	f.mu.Unlock()
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		body     string
		directed bool
		action   Action
		dryRun   bool
		roomRef  string
		args     []string
	}{
		{name: "undirected", body: "hello world", directed: false},
		{name: "bare address", body: "bender:", directed: true, action: ActionHelp},
		{name: "colon prefix", body: "bender: help", directed: true, action: ActionHelp},
		{name: "space prefix", body: "bender invite @a", directed: true, action: ActionInvite, args: []string{"@a"}},
		{name: "case insensitive", body: "Bender: LIST-ROOMS", directed: true, action: ActionListRooms},
		{name: "upper address", body: "BENDER: list-rooms", directed: true, action: ActionListRooms},
		{name: "dryrun", body: "bender: invite dryrun @a", directed: true, action: ActionInvite, dryRun: true, args: []string{"@a"}},
		{name: "room ref", body: "bender: kick #ops @a", directed: true, action: ActionKick, roomRef: "#ops", args: []string{"@a"}},
		{name: "dryrun then room ref", body: "bender: invite dryrun !x:example.org +ops", directed: true, action: ActionInvite, dryRun: true, roomRef: "!x:example.org", args: []string{"+ops"}},
		{name: "no room ref for list", body: "bender: list +ops", directed: true, action: ActionList, args: []string{"+ops"}},
		{name: "unknown keeps tokens", body: "bender: frobnicate now", directed: true, action: ActionUnknown, args: []string{"frobnicate", "now"}},
		{name: "alias expansion", body: "bender: whoson", directed: true, action: ActionList, args: []string{"+ops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newTestBot(newFakeAPI())
			cmd, ok := b.parseCommand(context.Background(), tt.body, boss, room)
			if ok != tt.directed {
				t.Fatalf("directed = %v, want %v", ok, tt.directed)
			}
			if !ok {
				return
			}
			if cmd.Action != tt.action || cmd.DryRun != tt.dryRun || cmd.TargetRoomRef != tt.roomRef {
				t.Errorf("got %+v, want action=%s dryrun=%v roomref=%q", cmd, tt.action, tt.dryRun, tt.roomRef)
			}
			if strings.Join(cmd.Args, " ") != strings.Join(tt.args, " ") {
				t.Errorf("args = %v, want %v", cmd.Args, tt.args)
			}
		})
	}
}

func TestParseCommandImplicitInPrivateChannel(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)
	withPrivateChannel(b, f, boss, privR)

	cmd, ok := b.parseCommand(context.Background(), "list-groups", boss, privR)
	if !ok || cmd.Action != ActionListGroups {
		t.Errorf("message in private channel should be implicitly directed, got ok=%v cmd=%+v", ok, cmd)
	}

	if _, ok := b.parseCommand(context.Background(), "list-groups", boss, room); ok {
		t.Error("message in a shared room without address must not be directed")
	}
}

func TestInviteSkipsExistingMembers(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	f.memberEvents[room] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt(boss.String(), event.MembershipJoin),
		memberEvt("@alice:example.org", event.MembershipJoin),
	}
	b := newTestBot(f)
	withPrivateChannel(b, f, boss, privR)

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: invite @alice @carol"))

	if len(f.invited) != 1 || f.invited[0] != "!room:example.org/@carol:example.org" {
		t.Errorf("only the non-member should be invited, got %v", f.invited)
	}
	bodies := f.sentBodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "Invited 1 user(s)") {
		t.Errorf("expected one private summary, got %v", bodies)
	}
}

func TestKickOnlyJoinedMembers(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	f.memberEvents[room] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt(boss.String(), event.MembershipJoin),
		memberEvt("@bob:example.org", event.MembershipJoin),
	}
	b := newTestBot(f)
	withPrivateChannel(b, f, boss, privR)

	// ops = {alice, bob}; alice is excluded and carol was never a member.
	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: kick +ops @carol but @alice"))

	if len(f.kicked) != 1 || f.kicked[0] != "!room:example.org/@bob:example.org" {
		t.Errorf("only the joined, non-excluded user should be kicked, got %v", f.kicked)
	}
}

func TestDryRunDoesNotAct(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	f.memberEvents[room] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt(boss.String(), event.MembershipJoin),
	}
	b := newTestBot(f)
	withPrivateChannel(b, f, boss, privR)

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: invite dryrun @carol"))

	if len(f.invited) != 0 {
		t.Errorf("dry run must not invite, got %v", f.invited)
	}
	bodies := f.sentBodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "Simulated 'invite'") ||
		!strings.Contains(bodies[0], "@carol:example.org") {
		t.Errorf("dry run should report the simulated set, got %v", bodies)
	}
}

func TestInviteRequiresSenderMembership(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	f.memberEvents[room] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
	}
	b := newTestBot(f)
	withPrivateChannel(b, f, boss, privR)

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: invite @carol"))

	if len(f.invited) != 0 {
		t.Errorf("non-member sender must not manage the room, got %v", f.invited)
	}
	bodies := f.sentBodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "not a member") {
		t.Errorf("expected a membership rejection, got %v", bodies)
	}
}

func TestInviteIntoReferencedRoom(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	target := id.RoomID("!ops:example.org")
	f.aliases["#ops:example.org"] = target
	f.memberEvents[target] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt(boss.String(), event.MembershipJoin),
	}
	b := newTestBot(f)
	withPrivateChannel(b, f, boss, privR)

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: invite #ops @carol"))

	if len(f.invited) != 1 || f.invited[0] != "!ops:example.org/@carol:example.org" {
		t.Errorf("invite should target the referenced room, got %v", f.invited)
	}
}

func TestEmptySelectionReported(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	f.memberEvents[room] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt(boss.String(), event.MembershipJoin),
	}
	b := newTestBot(f)
	withPrivateChannel(b, f, boss, privR)

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: invite +nosuchgroup"))

	if len(f.invited) != 0 {
		t.Errorf("unknown group resolves to nothing, got %v", f.invited)
	}
	bodies := f.sentBodies()
	if len(bodies) != 1 || bodies[0] != "No users found" {
		t.Errorf("expected 'No users found', got %v", bodies)
	}
}

func TestNonLocalSenderDropped(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)

	b.handleMessage(context.Background(), msgEvt("@evil:remote.org", room, "bender: list-groups"))

	if len(f.sent) != 0 {
		t.Errorf("non-local sender must get no reply at all, got %v", f.sentBodies())
	}
}

func TestOwnMessagesIgnored(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)

	b.handleMessage(context.Background(), msgEvt(b.UserID(), room, "bender: help"))

	if len(f.sent) != 0 {
		t.Errorf("the bot must not answer itself, got %v", f.sentBodies())
	}
}

func TestJoinAllowList(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	target := id.RoomID("!ops:example.org")
	f.aliases["#ops:example.org"] = target
	b := newTestBot(f)
	withPrivateChannel(b, f, boss, privR)

	rando := id.UserID("@rando:example.org")
	withPrivateChannel(b, f, rando, "!priv2:example.org")
	b.handleMessage(context.Background(), msgEvt(rando, room, "bender: join #ops"))
	if len(f.invited) != 0 {
		t.Errorf("sender outside the allow-list must be denied, got %v", f.invited)
	}

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: join #ops"))
	if len(f.invited) != 1 || f.invited[0] != "!ops:example.org/@boss:example.org" {
		t.Errorf("allowed sender should be invited, got %v", f.invited)
	}
}

func TestJoinRejectsRoomIDAndForeignDomain(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)
	withPrivateChannel(b, f, boss, privR)

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: join !x:example.org"))
	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: join #ops:elsewhere.org"))

	if len(f.invited) != 0 {
		t.Errorf("room IDs and foreign aliases are not joinable, got %v", f.invited)
	}
	bodies := f.sentBodies()
	if len(bodies) != 2 {
		t.Fatalf("expected two rejections, got %v", bodies)
	}
}

func TestListAndCount(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)
	f.memberEvents[room] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt(boss.String(), event.MembershipJoin),
	}

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: list +ops +nope bob"))
	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: count +ops @carol but @alice"))

	bodies := f.sentBodies()
	if len(bodies) != 2 {
		t.Fatalf("expected two in-room replies, got %v", bodies)
	}
	if !strings.Contains(bodies[0], "group ops members: @alice:example.org @bob:example.org") ||
		!strings.Contains(bodies[0], "group nope not found") ||
		!strings.Contains(bodies[0], "user: @bob:example.org") {
		t.Errorf("list output malformed: %q", bodies[0])
	}
	if bodies[1] != "2 user(s) selected" {
		t.Errorf("count = %q, want 2 user(s) selected", bodies[1])
	}
	if f.sent[0].room != room || f.sent[1].room != room {
		t.Error("list/count replies belong in the arrival room")
	}
}

func TestUnknownCommandOfferedToPlugins(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)
	claimed := &claimPlugin{keyword: "frobnicate"}
	b.SetPlugins([]plugin.Plugin{claimed})

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: frobnicate now"))
	if !claimed.handled {
		t.Error("plugin should be offered the unknown command")
	}
	if len(f.sent) != 0 {
		t.Errorf("claimed command must not fall through to help, got %v", f.sentBodies())
	}

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: teleport"))
	bodies := f.sentBodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "Examples:") {
		t.Errorf("unclaimed command should answer with help, got %v", bodies)
	}
}

func TestForwardToEmail(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	src := msgEvt("@alice:example.org", room, "the server is on fire")
	src.ID = "$src"
	f.storedEvents["$src"] = src

	b := newTestBot(f)
	mailer := &fakeMailer{}
	b.mailer = mailer

	evt := msgEvt(boss, room, "bender: forward-to-email oncall@example.org")
	evt.Content.AsMessage().RelatesTo = &event.RelatesTo{
		InReplyTo: &event.InReplyTo{EventID: "$src"},
	}
	b.handleMessage(context.Background(), evt)

	if len(mailer.sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(mailer.sent))
	}
	if mailer.sent[0].to != "oncall@example.org" || mailer.sent[0].body != "the server is on fire" {
		t.Errorf("mail malformed: %+v", mailer.sent[0])
	}
	bodies := f.sentBodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "Forwarded to oncall@example.org") {
		t.Errorf("expected confirmation, got %v", bodies)
	}
}

func TestForwardFromRichReply(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	src := msgEvt("@alice:example.org", room, "the server is on fire")
	src.ID = "$src"
	f.storedEvents["$src"] = src

	b := newTestBot(f)
	mailer := &fakeMailer{}
	b.mailer = mailer

	// Clients sending rich replies prepend the quoted fallback, so the
	// command is not at the start of the raw body.
	evt := msgEvt(boss, room,
		"> <@alice:example.org> the server is on fire\n\nbender: forward-to-email oncall@example.org")
	evt.Content.AsMessage().RelatesTo = &event.RelatesTo{
		InReplyTo: &event.InReplyTo{EventID: "$src"},
	}
	b.handleMessage(context.Background(), evt)

	if len(mailer.sent) != 1 {
		t.Fatalf("expected one mail from a rich reply, got %d", len(mailer.sent))
	}
	if mailer.sent[0].to != "oncall@example.org" || mailer.sent[0].body != "the server is on fire" {
		t.Errorf("mail malformed: %+v", mailer.sent[0])
	}
}

func TestForwardWithoutMailerOrReply(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)

	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: forward-to-email x@example.org"))
	bodies := f.sentBodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "not configured") {
		t.Fatalf("expected 'not configured', got %v", bodies)
	}

	b.mailer = &fakeMailer{}
	b.handleMessage(context.Background(), msgEvt(boss, room, "bender: forward-to-email x@example.org"))
	bodies = f.sentBodies()
	if len(bodies) != 2 || !strings.Contains(bodies[1], "reply") {
		t.Errorf("forward without reply relation should explain itself, got %v", bodies)
	}
}

type mailRecord struct {
	to, subject, body string
}

type fakeMailer struct {
	sent []mailRecord
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.sent = append(m.sent, mailRecord{to: to, subject: subject, body: body})
	return nil
}

type claimPlugin struct {
	keyword string
	handled bool
}

func (p *claimPlugin) Name() string                     { return p.keyword }
func (p *claimPlugin) DispatchTick(context.Context)     {}
func (p *claimPlugin) Help(id.UserID, id.RoomID) string { return "" }

func (p *claimPlugin) HandleCommand(_ context.Context, _ id.UserID, _ id.RoomID, args []string) bool {
	if len(args) == 0 || args[0] != p.keyword {
		return false
	}
	p.handled = true
	return true
}

func syncResp(t *testing.T, raw string) *mautrix.RespSync {
	t.Helper()
	var resp mautrix.RespSync
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("sync response: %v", err)
	}
	return &resp
}

func TestSyncTokenAdvancesOnlyOnSuccess(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)

	f.syncErr = errors.New("gateway timeout")
	b.syncOnce(context.Background(), false)
	if b.syncToken != "" {
		t.Errorf("token advanced after failed sync: %q", b.syncToken)
	}

	f.syncErr = nil
	f.syncQueue = []*mautrix.RespSync{syncResp(t, `{"next_batch": "s1"}`)}
	b.syncOnce(context.Background(), false)
	if b.syncToken != "s1" {
		t.Errorf("token = %q, want s1", b.syncToken)
	}

	b.syncOnce(context.Background(), false)
	if got := f.syncSince[len(f.syncSince)-1]; got != "s1" {
		t.Errorf("next poll resumed from %q, want s1", got)
	}
}

func TestSyncDispatchesCommands(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)

	f.syncQueue = []*mautrix.RespSync{syncResp(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {"timeline": {"events": [
			{"type": "m.room.message", "event_id": "$1", "sender": "@boss:example.org",
			 "content": {"msgtype": "m.text", "body": "bender: count +ops"}}
		]}}}}
	}`)}
	b.syncOnce(context.Background(), false)

	bodies := f.sentBodies()
	if len(bodies) != 1 || bodies[0] != "2 user(s) selected" {
		t.Errorf("command from sync payload not dispatched, got %v", bodies)
	}
}

func TestSyncDrainSkipsBacklog(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)

	f.syncQueue = []*mautrix.RespSync{syncResp(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {"timeline": {"events": [
			{"type": "m.room.message", "event_id": "$1", "sender": "@boss:example.org",
			 "content": {"msgtype": "m.text", "body": "bender: count +ops"}}
		]}}}}
	}`)}
	b.syncOnce(context.Background(), true)

	if len(f.sent) != 0 {
		t.Errorf("backlog commands must not execute, got %v", f.sentBodies())
	}
	if b.syncToken != "s1" {
		t.Errorf("drain should still advance the token, got %q", b.syncToken)
	}
}

func TestSyncAcceptsLocalInviteOnly(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)

	f.syncQueue = []*mautrix.RespSync{syncResp(t, `{
		"next_batch": "s1",
		"rooms": {"invite": {
			"!local:example.org": {"invite_state": {"events": [
				{"type": "m.room.member", "sender": "@boss:example.org",
				 "state_key": "@bender:example.org", "content": {"membership": "invite"}}
			]}},
			"!remote:example.org": {"invite_state": {"events": [
				{"type": "m.room.member", "sender": "@evil:remote.org",
				 "state_key": "@bender:example.org", "content": {"membership": "invite"}}
			]}}
		}}
	}`)}
	b.syncOnce(context.Background(), false)

	if len(f.joined) != 1 || f.joined[0] != "!local:example.org" {
		t.Errorf("only the local invite should be accepted, got %v", f.joined)
	}
}

func TestResolveRoom(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	f.aliases["#ops:example.org"] = "!ops:example.org"
	b := newTestBot(f)
	ctx := context.Background()

	if got, _ := b.ResolveRoom(ctx, "!raw:example.org"); got != "!raw:example.org" {
		t.Errorf("room IDs pass through, got %s", got)
	}
	for _, ref := range []string{"ops", "#ops", "#ops:example.org"} {
		got, err := b.ResolveRoom(ctx, ref)
		if err != nil || got != "!ops:example.org" {
			t.Errorf("ResolveRoom(%q) = %s, %v", ref, got, err)
		}
	}
	if f.resolveCalls != 1 {
		t.Errorf("alias resolution should be cached, made %d calls", f.resolveCalls)
	}
	if _, err := b.ResolveRoom(ctx, "#nope"); err == nil {
		t.Error("unknown alias should error")
	}
}

func TestPrivateChannelReused(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	dm := id.RoomID("!dm:example.org")
	f.joinedRooms = []id.RoomID{dm}
	f.memberEvents[dm] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt(boss.String(), event.MembershipJoin),
	}
	b := newTestBot(f)

	got, err := b.privateChannel(context.Background(), boss)
	if err != nil || got != dm {
		t.Fatalf("privateChannel = %s, %v; want %s", got, err, dm)
	}
	if len(f.created) != 0 {
		t.Error("existing 1:1 channel must be reused, not recreated")
	}
}

func TestPrivateChannelMatchesPreviousMembership(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	dm := id.RoomID("!dm:example.org")
	f.joinedRooms = []id.RoomID{dm}
	f.memberEvents[dm] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvtWithPrev(boss.String(), event.MembershipInvite, event.MembershipJoin),
	}
	b := newTestBot(f)

	got, err := b.privateChannel(context.Background(), boss)
	if err != nil || got != dm {
		t.Fatalf("re-invited counterpart should match, got %s, %v", got, err)
	}
}

func TestPrivateChannelCreatedOnceWithOneGreeting(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)
	ctx := context.Background()

	first, err := b.privateChannel(ctx, boss)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.privateChannel(ctx, boss)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("channel not stable: %s vs %s", first, second)
	}
	if len(f.created) != 1 {
		t.Fatalf("created %d rooms, want 1", len(f.created))
	}
	req := f.created[0]
	if req.Visibility != "private" || !req.IsDirect || len(req.Invite) != 1 || req.Invite[0] != boss {
		t.Errorf("create request malformed: %+v", req)
	}
	bodies := f.sentBodies()
	if len(bodies) != 1 || bodies[0] != "Hi! I am bender." {
		t.Errorf("exactly one greeting expected, got %v", bodies)
	}
}

func TestPrivateChannelSweepsStaleRoom(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	stale := id.RoomID("!stale:example.org")
	f.joinedRooms = []id.RoomID{stale}
	f.memberEvents[stale] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt(boss.String(), event.MembershipLeave),
	}
	b := newTestBot(f)

	got, err := b.privateChannel(context.Background(), boss)
	if err != nil {
		t.Fatal(err)
	}
	if got == stale {
		t.Error("stale room must not be reused")
	}
	if len(f.kicked) != 1 || !strings.HasPrefix(f.kicked[0], string(stale)) {
		t.Errorf("stale member record should be kicked, got %v", f.kicked)
	}
	if len(f.left) != 1 || f.left[0] != stale || len(f.forgot) != 1 || f.forgot[0] != stale {
		t.Errorf("stale room should be left and forgotten, got left=%v forgot=%v", f.left, f.forgot)
	}
	if len(f.created) != 1 {
		t.Errorf("a fresh channel should replace the stale one, created %d", len(f.created))
	}
}

func TestPrivateChannelReclaimedAfterCounterpartLeaves(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	b := newTestBot(f)
	ctx := context.Background()

	first, err := b.privateChannel(ctx, boss)
	if err != nil {
		t.Fatal(err)
	}

	// The counterpart leaves; the timeline handler would invalidate the
	// snapshot when the leave event arrives.
	f.mu.Lock()
	f.memberEvents[first] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt(boss.String(), event.MembershipLeave),
	}
	f.mu.Unlock()
	b.cache.Invalidate(first)

	second, err := b.privateChannel(ctx, boss)
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Errorf("abandoned channel %s must not be handed out again", first)
	}
	if len(f.left) != 1 || f.left[0] != first || len(f.forgot) != 1 || f.forgot[0] != first {
		t.Errorf("abandoned channel should be left and forgotten, got left=%v forgot=%v", f.left, f.forgot)
	}
	if len(f.created) != 2 {
		t.Errorf("a replacement channel should be created, created %d rooms", len(f.created))
	}
	bodies := f.sentBodies()
	if len(bodies) != 2 || bodies[1] != "Hi! I am bender." {
		t.Errorf("replacement channel should get its own greeting, got %v", bodies)
	}
}

func TestMembershipRulesEnforced(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	town := id.RoomID("!town:example.org")
	f.aliases["#town:example.org"] = town
	f.memberEvents[town] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt("@alice:example.org", event.MembershipJoin),
		memberEvt("@contractor:example.org", event.MembershipJoin),
	}
	b := newTestBot(f)
	b.cfg.Subscriptions = map[string][]string{"#town": {"+ops"}}
	b.cfg.Revocations = map[string][]string{"#town": {"@contractor"}}

	b.maintainMemberships(context.Background())

	// ops = {alice, bob}; alice is already joined.
	if len(f.invited) != 1 || f.invited[0] != "!town:example.org/@bob:example.org" {
		t.Errorf("subscription should invite only the missing member, got %v", f.invited)
	}
	if len(f.kicked) != 1 || f.kicked[0] != "!town:example.org/@contractor:example.org" {
		t.Errorf("revocation should kick the joined user, got %v", f.kicked)
	}

	// Once the room has converged, another cycle changes nothing.
	f.mu.Lock()
	f.memberEvents[town] = []*event.Event{
		memberEvt("@bender:example.org", event.MembershipJoin),
		memberEvt("@alice:example.org", event.MembershipJoin),
		memberEvt("@bob:example.org", event.MembershipInvite),
		memberEvt("@contractor:example.org", event.MembershipLeave),
	}
	f.mu.Unlock()
	b.cache.Invalidate(town)

	b.maintainMemberships(context.Background())
	if len(f.invited) != 1 || len(f.kicked) != 1 {
		t.Errorf("converged rules must be no-ops, got invited=%v kicked=%v", f.invited, f.kicked)
	}
}

func TestJoinConfiguredRoomsIncludesRuleRooms(t *testing.T) {
	t.Parallel()
	f := newFakeAPI()
	f.aliases["#town:example.org"] = "!town:example.org"
	b := newTestBot(f)
	b.cfg.Subscriptions = map[string][]string{"#town": {"+ops"}}

	b.joinConfiguredRooms(context.Background())

	if len(f.joined) != 1 || f.joined[0] != "!town:example.org" {
		t.Errorf("rule rooms should be joined at startup, got %v", f.joined)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()
	b := newTestBot(newFakeAPI())

	calls := 0
	err := b.withRetry(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("unavailable")
	})
	if err == nil || calls != 2 {
		t.Errorf("want failure after 2 attempts, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = b.withRetry(context.Background(), "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("unavailable")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("want recovery on second attempt, got err=%v calls=%d", err, calls)
	}
}
