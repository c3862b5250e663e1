package chat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/app/fanout"
	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/registry"
	"roomrelay/internal/app/room"
	"roomrelay/internal/app/store"
	"roomrelay/internal/pkg/errs"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []fanout.Event
	closed bool
	kicked string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	evt, err := fanout.Decode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) Kick(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = reason
}

func (c *fakeConn) ofType(t fanout.EventType) []fanout.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fanout.Event
	for _, evt := range c.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func decode[T any](t *testing.T, evt fanout.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(evt.Payload, &v))
	return v
}

type harness struct {
	ctx      context.Context
	st       *store.Memory
	resolver *identity.Resolver
	dir      *room.Directory
	reg      *registry.Registry
	bus      *fanout.MemoryBus
	coord    *Coordinator
}

func newHarness(t *testing.T, codes ...string) *harness {
	t.Helper()

	var opts []room.Option
	if len(codes) > 0 {
		var mu sync.Mutex
		next := 0
		opts = append(opts, room.WithCodeGenerator(func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			code := codes[next%len(codes)]
			next++
			return code, nil
		}))
	}

	h := &harness{ctx: context.Background(), st: store.NewMemory(), reg: registry.New(), bus: fanout.NewMemoryBus()}
	h.resolver = identity.NewResolver(h.st, "test-secret", time.Hour)
	h.dir = room.NewDirectory(h.st, opts...)
	h.coord = NewCoordinator(h.resolver, h.dir, h.reg, h.bus, 50*time.Millisecond)
	require.NoError(t, h.coord.Start(h.ctx))
	t.Cleanup(h.coord.typing.Stop)
	return h
}

func (h *harness) connect(t *testing.T, id, credential string) *fakeConn {
	t.Helper()
	c := &fakeConn{id: id}
	require.NoError(t, h.coord.Connect(h.ctx, c, credential))
	return c
}

func (h *harness) user(t *testing.T, id, name string) (identity.RegisteredUser, string) {
	t.Helper()
	u := store.User{ID: id, Username: strings.ToLower(name), PasswordHash: "x", DisplayName: name, CreatedAt: time.Now()}
	require.NoError(t, h.st.CreateUser(h.ctx, u))
	token, err := h.resolver.IssueUserToken(&u)
	require.NoError(t, err)
	return identity.RegisteredUser{UserID: id, Name: name}, token
}

func (h *harness) identityOf(t *testing.T, connID string) identity.Identity {
	t.Helper()
	e, ok := h.reg.Lookup(connID)
	require.True(t, ok)
	require.True(t, e.Bound())
	return e.Identity
}

func TestCoordinator_GroupRoomScenario(t *testing.T) {
	h := newHarness(t, "AB12C3")
	_, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	a := h.connect(t, "conn-a", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-a", "ab12c3", ""))

	sessions := a.ofType(fanout.TypeSession)
	require.Len(t, sessions, 1)
	session := decode[SessionPayload](t, sessions[0])
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, store.IdentityGuest, session.Identity.Kind)

	stateA := decode[RoomStatePayload](t, a.ofType(fanout.TypeRoomState)[0])
	assert.Equal(t, 1, stateA.MemberCount)
	assert.Equal(t, "AB12C3", stateA.Room.Code)

	b := h.connect(t, "conn-b", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-b", "AB12C3", "Bee"))

	stateB := decode[RoomStatePayload](t, b.ofType(fanout.TypeRoomState)[0])
	assert.Equal(t, 2, stateB.MemberCount)
	assert.Empty(t, b.ofType(fanout.TypeUserJoined), "joiner must not receive its own join")

	joined := a.ofType(fanout.TypeUserJoined)
	require.Len(t, joined, 1)
	p := decode[PresencePayload](t, joined[0])
	assert.Equal(t, h.identityOf(t, "conn-b").ID(), p.Identity.ID)
	assert.Equal(t, "Bee", p.DisplayName)
	assert.Equal(t, 2, p.MemberCount)

	msg, err := h.coord.Send(h.ctx, "conn-a", "  hello ")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)

	received := b.ofType(fanout.TypeNewMessage)
	require.Len(t, received, 1)
	got := decode[store.Message](t, received[0])
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, h.identityOf(t, "conn-a").Ref(), got.Author)

	assert.Len(t, a.ofType(fanout.TypeNewMessage), 1, "sender receives its own message once")
	for _, evt := range a.ofType(fanout.TypeUserJoined) {
		assert.NotEqual(t, h.identityOf(t, "conn-a").ID(), decode[PresencePayload](t, evt).Identity.ID)
	}
}

func TestCoordinator_PairRoomScenario(t *testing.T) {
	h := newHarness(t, "Z9K3M1")
	_, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindPair, "", false)
	require.NoError(t, err)

	a := h.connect(t, "conn-a", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-a", "Z9K3M1", "A"))
	assert.Equal(t, 1, decode[RoomStatePayload](t, a.ofType(fanout.TypeRoomState)[0]).MemberCount)

	b := h.connect(t, "conn-b", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-b", "Z9K3M1", "B"))
	stateB := decode[RoomStatePayload](t, b.ofType(fanout.TypeRoomState)[0])
	assert.Equal(t, 2, stateB.MemberCount)
	assert.Len(t, stateB.Members, 2)

	c := h.connect(t, "conn-c", "")
	err = h.coord.Join(h.ctx, "conn-c", "Z9K3M1", "C")
	assert.True(t, errs.Is(err, errs.ErrRoomFull), "got %v", err)
	assert.Empty(t, c.ofType(fanout.TypeRoomState))

	entry, ok := h.reg.Lookup("conn-c")
	require.True(t, ok)
	assert.False(t, entry.InRoom())

	n, err := h.dir.MemberCount(h.ctx, "Z9K3M1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCoordinator_PreservedHistoryScenario(t *testing.T) {
	h := newHarness(t, "Q1W2E3")
	owner, token := h.user(t, "u1", "Owner")

	_, err := h.coord.CreateRoom(h.ctx, owner, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	first := h.connect(t, "conn-1", token)
	require.NoError(t, h.coord.Join(h.ctx, "conn-1", "Q1W2E3", ""))
	require.Len(t, first.ofType(fanout.TypeRoomState), 1)

	r, err := h.coord.SetPreserveHistory(h.ctx, owner, "Q1W2E3", true)
	require.NoError(t, err)
	assert.True(t, r.PreserveHistory)
	require.Len(t, first.ofType(fanout.TypeRoomUpdated), 1)

	_, err = h.coord.Send(h.ctx, "conn-1", "ping")
	require.NoError(t, err)

	h.coord.Disconnect("conn-1")
	n, err := h.dir.MemberCount(h.ctx, "Q1W2E3")
	require.NoError(t, err)
	assert.Zero(t, n)

	second := h.connect(t, "conn-2", token)
	require.NoError(t, h.coord.Join(h.ctx, "conn-2", "Q1W2E3", ""))

	state := decode[RoomStatePayload](t, second.ofType(fanout.TypeRoomState)[0])
	require.Len(t, state.History, 1)
	assert.Equal(t, "ping", state.History[0].Content)

	history, err := h.dir.History(h.ctx, "Q1W2E3", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ping", history[0].Content)
}

func TestCoordinator_RequiresRoom(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "conn-a", "")

	_, err := h.coord.Send(h.ctx, "conn-a", "hi")
	assert.True(t, errs.Is(err, errs.ErrNotInRoom))
	assert.True(t, errs.Is(h.coord.Typing(h.ctx, "conn-a", true), errs.ErrNotInRoom))
	assert.True(t, errs.Is(h.coord.Leave(h.ctx, "conn-a"), errs.ErrNotInRoom))

	r, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)
	require.NoError(t, h.coord.Join(h.ctx, "conn-a", r.Code, ""))

	_, err = h.coord.Send(h.ctx, "conn-a", "   ")
	assert.True(t, errs.Is(err, errs.ErrMessageContentEmpty))
	_, err = h.coord.Send(h.ctx, "conn-a", strings.Repeat("x", MaxContentBytes+1))
	assert.True(t, errs.Is(err, errs.ErrMessageContentTooLong))
	_, err = h.coord.Send(h.ctx, "conn-a", strings.Repeat("x", MaxContentBytes))
	assert.NoError(t, err)

	assert.True(t, errs.Is(h.coord.Join(h.ctx, "conn-a", "nope", ""), errs.ErrRoomCodeInvalid))
	assert.True(t, errs.Is(h.coord.Join(h.ctx, "conn-a", "ZZZZZZ", ""), errs.ErrRoomNotFound))
}

func TestCoordinator_TypingExcludesTypistAndExpires(t *testing.T) {
	h := newHarness(t)
	r, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	a := h.connect(t, "conn-a", "")
	b := h.connect(t, "conn-b", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-a", r.Code, ""))
	require.NoError(t, h.coord.Join(h.ctx, "conn-b", r.Code, ""))

	require.NoError(t, h.coord.Typing(h.ctx, "conn-a", true))
	assert.Empty(t, a.ofType(fanout.TypeUserTyping))

	typing := b.ofType(fanout.TypeUserTyping)
	require.Len(t, typing, 1)
	assert.True(t, decode[TypingPayload](t, typing[0]).IsTyping)

	assert.Eventually(t, func() bool {
		return len(b.ofType(fanout.TypeUserTyping)) == 2
	}, 2*time.Second, 10*time.Millisecond)
	expired := b.ofType(fanout.TypeUserTyping)[1]
	assert.False(t, decode[TypingPayload](t, expired).IsTyping)
	assert.Empty(t, a.ofType(fanout.TypeUserTyping), "expiry is not echoed to the typist")

	require.NoError(t, h.coord.Typing(h.ctx, "conn-a", true))
	assert.Len(t, h.coord.typing.Typing(r.Code), 1)
	_, err = h.coord.Send(h.ctx, "conn-a", "done typing")
	require.NoError(t, err)
	assert.Empty(t, h.coord.typing.Typing(r.Code))
}

func TestCoordinator_DisconnectIsImplicitLeave(t *testing.T) {
	h := newHarness(t)
	r, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	h.connect(t, "conn-a", "")
	b := h.connect(t, "conn-b", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-a", r.Code, ""))
	require.NoError(t, h.coord.Join(h.ctx, "conn-b", r.Code, ""))
	leaver := h.identityOf(t, "conn-a")

	h.coord.Disconnect("conn-a")
	h.coord.Disconnect("conn-a")

	left := b.ofType(fanout.TypeUserLeft)
	require.Len(t, left, 1)
	p := decode[PresencePayload](t, left[0])
	assert.Equal(t, leaver.ID(), p.Identity.ID)
	assert.Equal(t, leaveReasonDisconnected, p.Reason)
	assert.Equal(t, 1, p.MemberCount)

	assert.Equal(t, 1, h.reg.Len())
}

func TestCoordinator_SwitchRoomsLeavesPrevious(t *testing.T) {
	h := newHarness(t)
	first, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)
	second, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	h.connect(t, "conn-a", "")
	b := h.connect(t, "conn-b", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-a", first.Code, ""))
	require.NoError(t, h.coord.Join(h.ctx, "conn-b", first.Code, ""))

	require.NoError(t, h.coord.Join(h.ctx, "conn-a", second.Code, ""))

	left := b.ofType(fanout.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, leaveReasonSwitched, decode[PresencePayload](t, left[0]).Reason)

	entry, _ := h.reg.Lookup("conn-a")
	assert.Equal(t, second.Code, entry.RoomCode)

	require.NoError(t, h.coord.Leave(h.ctx, "conn-a"))
	entry, _ = h.reg.Lookup("conn-a")
	assert.False(t, entry.InRoom())
}

func TestCoordinator_GuestCannotHoldTwoRooms(t *testing.T) {
	h := newHarness(t)
	first, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)
	second, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	h.connect(t, "conn-a", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-a", first.Code, ""))
	guest := h.identityOf(t, "conn-a")

	_, _, err = h.coord.JoinByIdentity(h.ctx, guest, second.Code, "")
	assert.True(t, errs.Is(err, errs.ErrGuestAlreadyInOtherRoom))
}

func TestCoordinator_AttachReplacesOlderConnection(t *testing.T) {
	h := newHarness(t)
	_, token := h.user(t, "u1", "Una")
	r, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	old := h.connect(t, "conn-old", token)
	fresh := h.connect(t, "conn-new", token)
	peer := h.connect(t, "conn-peer", "")

	require.NoError(t, h.coord.Join(h.ctx, "conn-old", r.Code, ""))
	require.NoError(t, h.coord.Join(h.ctx, "conn-peer", r.Code, ""))
	require.NoError(t, h.coord.Join(h.ctx, "conn-new", r.Code, ""))

	assert.Equal(t, kickReasonReplaced, old.kicked)
	entry, _ := h.reg.Lookup("conn-old")
	assert.False(t, entry.InRoom())
	entry, _ = h.reg.Lookup("conn-new")
	assert.Equal(t, r.Code, entry.RoomCode)
	assert.Len(t, fresh.ofType(fanout.TypeRoomState), 1)

	assert.Len(t, peer.ofType(fanout.TypeUserJoined), 0, "attaching to an open membership is not a join")

	n, err := h.dir.MemberCount(h.ctx, r.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCoordinator_HTTPJoinAndLeave(t *testing.T) {
	h := newHarness(t)
	r, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	a := h.connect(t, "conn-a", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-a", r.Code, ""))

	who, token := h.user(t, "u2", "Ray")
	_, count, err := h.coord.JoinByIdentity(h.ctx, who, r.Code, "")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.Len(t, a.ofType(fanout.TypeUserJoined), 1)

	ray := h.connect(t, "conn-ray", token)
	require.NoError(t, h.coord.Join(h.ctx, "conn-ray", r.Code, ""))
	require.Len(t, ray.ofType(fanout.TypeRoomState), 1)

	require.NoError(t, h.coord.LeaveByIdentity(h.ctx, who, r.Code))
	entry, _ := h.reg.Lookup("conn-ray")
	assert.False(t, entry.InRoom())
	require.Len(t, a.ofType(fanout.TypeUserLeft), 1)

	assert.True(t, errs.Is(h.coord.LeaveByIdentity(h.ctx, who, r.Code), errs.ErrNotAMember))
}

func TestCoordinator_DeleteRoomClosesConnections(t *testing.T) {
	h := newHarness(t)
	owner, token := h.user(t, "u1", "Owner")
	r, err := h.coord.CreateRoom(h.ctx, owner, store.RoomKindGroup, "", true)
	require.NoError(t, err)

	h.connect(t, "conn-owner", token)
	b := h.connect(t, "conn-b", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-owner", r.Code, ""))
	require.NoError(t, h.coord.Join(h.ctx, "conn-b", r.Code, ""))

	guest := h.identityOf(t, "conn-b")
	assert.True(t, errs.Is(h.coord.DeleteRoom(h.ctx, guest, r.Code), errs.ErrNotAuthorized))

	require.NoError(t, h.coord.DeleteRoom(h.ctx, owner, r.Code))
	closed := b.ofType(fanout.TypeRoomClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, closeReasonDeleted, decode[RoomClosedPayload](t, closed[0]).Reason)

	assert.Empty(t, h.reg.ConnectionsInRoom(r.Code))
	_, err = h.dir.Lookup(h.ctx, r.Code)
	assert.True(t, errs.Is(err, errs.ErrRoomNotFound))
}

func TestCoordinator_ReleaseExpiredGuests(t *testing.T) {
	h := newHarness(t)
	r, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	_, token := h.user(t, "u1", "Owner")
	peer := h.connect(t, "conn-owner", token)
	h.connect(t, "conn-guest", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-owner", r.Code, ""))
	require.NoError(t, h.coord.Join(h.ctx, "conn-guest", r.Code, ""))

	closed, err := h.st.PurgeExpiredGuestSessions(h.ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, closed, 1)

	h.coord.ReleaseMemberships(h.ctx, closed)

	left := peer.ofType(fanout.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, leaveReasonExpired, decode[PresencePayload](t, left[0]).Reason)

	entry, _ := h.reg.Lookup("conn-guest")
	assert.False(t, entry.InRoom())
}

func TestCoordinator_ConnectRejectsBadCredential(t *testing.T) {
	h := newHarness(t)
	err := h.coord.Connect(h.ctx, &fakeConn{id: "conn-x"}, "not-a-token")
	assert.True(t, errs.Is(err, errs.ErrInvalidCredential))
}

func TestCoordinator_SendFailsWhenBusDown(t *testing.T) {
	h := newHarness(t)
	r, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", true)
	require.NoError(t, err)

	h.connect(t, "conn-a", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-a", r.Code, ""))

	require.NoError(t, h.bus.Close())
	_, err = h.coord.Send(h.ctx, "conn-a", "lost?")
	assert.True(t, errs.Is(err, errs.ErrStoreUnavailable))

	history, err := h.dir.History(h.ctx, r.Code, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "the record survives a failed broadcast")

	assert.NoError(t, h.coord.Typing(h.ctx, "conn-a", true), "typing failures are silent")
}

func TestCoordinator_FailedSwitchKeepsCurrentRoom(t *testing.T) {
	h := newHarness(t)
	current, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)
	pair, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindPair, "", false)
	require.NoError(t, err)

	h.connect(t, "conn-a", "")
	peer := h.connect(t, "conn-b", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-a", current.Code, ""))
	require.NoError(t, h.coord.Join(h.ctx, "conn-b", current.Code, ""))

	h.connect(t, "conn-c", "")
	h.connect(t, "conn-d", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-c", pair.Code, ""))
	require.NoError(t, h.coord.Join(h.ctx, "conn-d", pair.Code, ""))

	assert.True(t, errs.Is(h.coord.Join(h.ctx, "conn-a", "ZZZZZZ", ""), errs.ErrRoomNotFound))
	assert.True(t, errs.Is(h.coord.Join(h.ctx, "conn-a", pair.Code, ""), errs.ErrRoomFull))

	entry, ok := h.reg.Lookup("conn-a")
	require.True(t, ok)
	assert.Equal(t, current.Code, entry.RoomCode)

	count, err := h.dir.MemberCount(h.ctx, current.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Empty(t, peer.ofType(fanout.TypeUserLeft))

	_, err = h.coord.Send(h.ctx, "conn-a", "still here")
	require.NoError(t, err)
	require.Len(t, peer.ofType(fanout.TypeNewMessage), 1)
}

func TestCoordinator_RegisteredUserSwitch(t *testing.T) {
	h := newHarness(t)
	first, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)
	second, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	_, token := h.user(t, "u1", "Una")
	h.connect(t, "conn-u", token)
	peer := h.connect(t, "conn-p", "")
	require.NoError(t, h.coord.Join(h.ctx, "conn-u", first.Code, ""))
	require.NoError(t, h.coord.Join(h.ctx, "conn-p", first.Code, ""))

	require.NoError(t, h.coord.Join(h.ctx, "conn-u", second.Code, ""))

	entry, _ := h.reg.Lookup("conn-u")
	assert.Equal(t, second.Code, entry.RoomCode)
	for code, want := range map[string]int{first.Code: 1, second.Code: 1} {
		count, err := h.dir.MemberCount(h.ctx, code)
		require.NoError(t, err)
		assert.Equal(t, want, count, code)
	}

	left := peer.ofType(fanout.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, leaveReasonSwitched, decode[PresencePayload](t, left[0]).Reason)

	assert.True(t, errs.Is(h.coord.Join(h.ctx, "conn-u", "ZZZZZZ", ""), errs.ErrRoomNotFound))
	entry, _ = h.reg.Lookup("conn-u")
	assert.Equal(t, second.Code, entry.RoomCode)
}

func TestCoordinator_SendPersistsOnlyWhenPreserved(t *testing.T) {
	h := newHarness(t)
	owner, token := h.user(t, "u1", "Owner")
	r, err := h.coord.CreateRoom(h.ctx, owner, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	h.connect(t, "conn-owner", token)
	require.NoError(t, h.coord.Join(h.ctx, "conn-owner", r.Code, ""))

	_, err = h.coord.Send(h.ctx, "conn-owner", "off the record")
	require.NoError(t, err)

	stored, err := h.st.ListMessages(h.ctx, r.Code, 50)
	require.NoError(t, err)
	assert.Empty(t, stored, "messages of a room without history must not reach the store")

	_, err = h.coord.SetPreserveHistory(h.ctx, owner, r.Code, true)
	require.NoError(t, err)
	_, err = h.coord.Send(h.ctx, "conn-owner", "on the record")
	require.NoError(t, err)

	stored, err = h.st.ListMessages(h.ctx, r.Code, 50)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "on the record", stored[0].Content)
	assert.Equal(t, owner.Ref(), stored[0].Author)
}

func TestCoordinator_RemoteLeaveNotifiesDetachedConnection(t *testing.T) {
	h := newHarness(t)
	r, err := h.coord.CreateRoom(h.ctx, nil, store.RoomKindGroup, "", false)
	require.NoError(t, err)

	_, token := h.user(t, "u1", "Una")
	u := h.connect(t, "conn-u", token)
	require.NoError(t, h.coord.Join(h.ctx, "conn-u", r.Code, ""))
	who := h.identityOf(t, "conn-u")

	// a connection of the same identity on another process closed the membership
	evt, err := fanout.NewEvent(fanout.TypeUserLeft, r.Code, PresencePayload{
		Identity:    identity.ViewOf(who),
		DisplayName: who.DisplayName(),
		Reason:      leaveReasonDisconnected,
	})
	require.NoError(t, err)
	evt.Exclude = "conn-remote"
	require.NoError(t, h.bus.Publish(h.ctx, evt))

	entry, _ := h.reg.Lookup("conn-u")
	assert.False(t, entry.InRoom())

	errEvents := u.ofType(fanout.TypeError)
	require.Len(t, errEvents, 1)
	assert.Equal(t, errs.ErrNotAMember, decode[ErrorPayload](t, errEvents[0]).Code)
	assert.Equal(t, r.Code, errEvents[0].RoomCode)

	_, err = h.coord.Send(h.ctx, "conn-u", "hello?")
	assert.True(t, errs.Is(err, errs.ErrNotInRoom))
}
