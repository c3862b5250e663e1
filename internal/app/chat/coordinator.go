/*
Package chat contains the Room Session Coordinator and the WebSocket client that drives it.

The Coordinator owns the per-connection state machine (unbound, identified, in room, closed).
It resolves identities, opens and closes memberships through the room Directory, keeps the
Connection Registry in step and publishes room events on the fanout Bus. Events received from
the bus are delivered to the local connections of their room.
*/
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"roomrelay/internal/app/fanout"
	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/registry"
	"roomrelay/internal/app/room"
	"roomrelay/internal/app/store"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/metrics"
	"roomrelay/internal/pkg/randx"
)

const (
	// MaxContentBytes bounds the trimmed content of a chat message.
	MaxContentBytes = 5000

	// departureTimeout bounds the cleanup of a connection that went away.
	departureTimeout = 5 * time.Second

	kickReasonReplaced = "session replaced"
)

var errConnGone = errors.New("chat: connection is not registered")

// kicker is implemented by connections that can tell the peer why they are being closed.
type kicker interface {
	Kick(reason string)
}

// Coordinator is the Room Session Coordinator.
type Coordinator struct {
	resolver  *identity.Resolver
	directory *room.Directory
	registry  *registry.Registry
	bus       fanout.Bus
	typing    *TypingTracker
	now       func() time.Time

	// structured logger with Coordinator context.
	logger zerolog.Logger
}

// NewCoordinator wires the coordinator to its collaborators and installs the registry departure hook.
func NewCoordinator(resolver *identity.Resolver, directory *room.Directory, reg *registry.Registry, bus fanout.Bus, typingTTL time.Duration) *Coordinator {
	c := &Coordinator{
		resolver:  resolver,
		directory: directory,
		registry:  reg,
		bus:       bus,
		now:       time.Now,
		logger:    logx.Component("coordinator"),
	}
	c.typing = NewTypingTracker(typingTTL, c.typingExpired)
	reg.OnDeparture(c.onDeparture)
	return c
}

// Start subscribes the process to every room on the bus.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.bus.SubscribeAll(ctx, c.dispatch); err != nil {
		return fmt.Errorf("failed to subscribe to fanout bus: %w", err)
	}
	c.logger.Info().Msg("Coordinator subscribed to fanout bus.")
	return nil
}

// Shutdown closes every local connection and waits until they have been cleaned up or ctx is done.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.logger.Info().Int("connections", c.registry.Len()).Msg("Closing local connections...")

	for _, e := range c.registry.Entries() {
		e.Conn.Close()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for c.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			c.logger.Warn().Int("connections", c.registry.Len()).Msg("Shutdown deadline reached with live connections.")
			c.typing.Stop()
			return
		case <-ticker.C:
		}
	}
	c.typing.Stop()
	c.logger.Info().Msg("Coordinator shutdown complete.")
}

// Connect registers a freshly accepted connection. When credential is non-empty the identity is
// resolved immediately; otherwise resolution is deferred to the first join.
func (c *Coordinator) Connect(ctx context.Context, conn registry.Conn, credential string) error {
	c.registry.Add(conn)
	metrics.WsConnections.Inc()

	if credential == "" {
		return nil
	}
	_, err := c.Identify(ctx, conn.ID(), credential)
	return err
}

// Identify resolves credential and binds the result to the connection. A minted guest receives
// its token in a session event.
func (c *Coordinator) Identify(ctx context.Context, connID, credential string) (identity.Identity, error) {
	res, err := c.resolver.Resolve(ctx, credential)
	if err != nil {
		return nil, err
	}
	if !c.registry.Bind(connID, res.Identity) {
		return nil, errConnGone
	}

	if res.Created {
		payload := SessionPayload{Token: res.Token, Identity: identity.ViewOf(res.Identity)}
		if err := c.sendDirect(connID, fanout.TypeSession, "", payload); err != nil {
			c.logger.Warn().Err(err).Str("conn_id", connID).Msg("Failed to deliver guest session.")
		}
	}
	return res.Identity, nil
}

// Disconnect removes the connection. If it was in a room the membership is closed best-effort.
func (c *Coordinator) Disconnect(connID string) {
	if _, ok := c.registry.Unbind(connID); ok {
		metrics.WsConnections.Dec()
	}
}

// Join attaches the connection to code, opening a membership when none is open yet.
//
// A connection already in another room is moved; a failed move keeps it in its current room.
// When the identity already holds an open
// membership in code the connection attaches to it and other local connections of the same
// identity in that room are kicked.
func (c *Coordinator) Join(ctx context.Context, connID, code, displayName string) (err error) {
	defer func() { observeJoin(err) }()

	code, err = room.NormalizeCode(code)
	if err != nil {
		return err
	}

	entry, ok := c.registry.Lookup(connID)
	if !ok {
		return errConnGone
	}
	who := entry.Identity
	if who == nil {
		if who, err = c.Identify(ctx, connID, ""); err != nil {
			return err
		}
	}

	if entry.InRoom() {
		if entry.RoomCode == code {
			_, err = c.attach(ctx, connID, who, code)
			return err
		}
		return c.switchRoom(ctx, entry, who, code, displayName)
	}
	return c.enter(ctx, connID, who, code, displayName)
}

// enter opens a membership of who in code and attaches the connection to it. An existing open
// membership is taken over, replacing older local connections of the identity.
func (c *Coordinator) enter(ctx context.Context, connID string, who identity.Identity, code, displayName string) error {
	m, err := c.directory.AddMember(ctx, code, who, displayName)
	if err != nil {
		if !errs.Is(err, errs.ErrAlreadyMember) {
			return err
		}
		c.kickOthers(connID, who, code)
		_, err = c.attach(ctx, connID, who, code)
		return err
	}
	return c.announceJoin(ctx, connID, who, code, m)
}

func (c *Coordinator) announceJoin(ctx context.Context, connID string, who identity.Identity, code string, m *store.Membership) error {
	state, err := c.attach(ctx, connID, who, code)
	if err != nil {
		return err
	}

	c.logger.Info().
		Str("room_code", code).
		Str("member", identity.Key(who)).
		Int("member_count", state.MemberCount).
		Msg("Member joined room.")

	c.publishPresence(ctx, fanout.TypeUserJoined, code, identity.ViewOf(who), m.DisplayName, connID, "")
	return nil
}

// switchRoom moves a connection from its current room to code. When the join fails the
// connection stays in its current room.
//
// Registered users open the new membership before closing the old one. Guests may hold a single
// room, so the old membership is closed first and reopened if the new join fails.
func (c *Coordinator) switchRoom(ctx context.Context, entry registry.Entry, who identity.Identity, code, displayName string) error {
	connID := entry.Conn.ID()
	if err := c.admits(ctx, code, who); err != nil {
		return err
	}

	if !identity.IsGuest(who) {
		m, err := c.directory.AddMember(ctx, code, who, displayName)
		taken := errs.Is(err, errs.ErrAlreadyMember)
		if err != nil && !taken {
			return err
		}
		if err := c.leave(ctx, entry, leaveReasonSwitched); err != nil {
			return err
		}
		if taken {
			c.kickOthers(connID, who, code)
			_, err = c.attach(ctx, connID, who, code)
			return err
		}
		return c.announceJoin(ctx, connID, who, code, m)
	}

	if err := c.leave(ctx, entry, leaveReasonSwitched); err != nil {
		return err
	}
	err := c.enter(ctx, connID, who, code, displayName)
	if err != nil {
		c.restore(ctx, entry)
	}
	return err
}

// admits rejects a join that is bound to fail, without changing any state.
func (c *Coordinator) admits(ctx context.Context, code string, who identity.Identity) error {
	r, err := c.directory.Lookup(ctx, code)
	if err != nil {
		return err
	}
	if !r.Active {
		return errs.NewError(errs.ErrRoomNotFound)
	}

	capacity := r.Kind.Capacity()
	if capacity == 0 {
		return nil
	}
	members, err := c.directory.Members(ctx, r.Code)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.Member == who.Ref() {
			return nil
		}
	}
	if len(members) >= capacity {
		return errs.NewError(errs.ErrRoomFull)
	}
	return nil
}

// restore reopens the membership a guest gave up for a switch that failed afterwards.
func (c *Coordinator) restore(ctx context.Context, entry registry.Entry) {
	m, err := c.directory.AddMember(ctx, entry.RoomCode, entry.Identity, entry.DisplayName)
	if err == nil {
		err = c.announceJoin(ctx, entry.Conn.ID(), entry.Identity, entry.RoomCode, m)
	}
	if err != nil {
		c.logger.Warn().Err(err).
			Str("room_code", entry.RoomCode).
			Str("conn_id", entry.Conn.ID()).
			Msg("Failed to restore membership after a failed room switch.")
	}
}

// Send trims content, persists it when the room preserves history and publishes it to the room.
func (c *Coordinator) Send(ctx context.Context, connID, content string) (*store.Message, error) {
	entry, err := c.inRoom(connID)
	if err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errs.NewError(errs.ErrMessageContentEmpty)
	}
	if len(content) > MaxContentBytes {
		return nil, errs.NewError(errs.ErrMessageContentTooLong)
	}

	r, err := c.directory.Lookup(ctx, entry.RoomCode)
	if err != nil {
		if errs.Is(err, errs.ErrRoomNotFound) {
			c.registry.ClearRoom(connID)
		}
		return nil, err
	}

	msg := &store.Message{
		ID:         randx.NewID(),
		RoomCode:   r.Code,
		Author:     entry.Identity.Ref(),
		AuthorName: entry.DisplayName,
		Content:    content,
		Kind:       store.MessageText,
		CreatedAt:  c.now().UTC(),
	}

	if r.PreserveHistory {
		if err := c.directory.SaveMessage(ctx, msg); err != nil {
			return nil, err
		}
	}

	if err := c.publish(ctx, fanout.TypeNewMessage, r.Code, msg, ""); err != nil {
		return nil, errs.Wrap(errs.ErrStoreUnavailable, err)
	}

	metrics.MessagesTotal.WithLabelValues(strconv.FormatBool(r.PreserveHistory)).Inc()
	return msg, nil
}

// Typing broadcasts a typing indicator to the other connections of the room. Delivery failures
// are logged and never reported to the typist.
func (c *Coordinator) Typing(ctx context.Context, connID string, isTyping bool) error {
	entry, err := c.inRoom(connID)
	if err != nil {
		return err
	}

	p := TypingPayload{
		Identity:    identity.ViewOf(entry.Identity),
		DisplayName: entry.DisplayName,
		IsTyping:    isTyping,
	}
	if err := c.publish(ctx, fanout.TypeUserTyping, entry.RoomCode, p, connID); err != nil {
		c.logger.Debug().Err(err).Str("room_code", entry.RoomCode).Msg("Typing indicator dropped.")
	}
	return nil
}

// Leave closes the connection's membership and detaches it from its room.
func (c *Coordinator) Leave(ctx context.Context, connID string) error {
	entry, err := c.inRoom(connID)
	if err != nil {
		return err
	}
	return c.leave(ctx, entry, leaveReasonLeft)
}

// JoinByIdentity opens a membership for who without a connection and announces it.
func (c *Coordinator) JoinByIdentity(ctx context.Context, who identity.Identity, code, displayName string) (r *store.Room, count int, err error) {
	defer func() { observeJoin(err) }()

	m, err := c.directory.AddMember(ctx, code, who, displayName)
	if err != nil {
		return nil, 0, err
	}
	if r, err = c.directory.Lookup(ctx, m.RoomCode); err != nil {
		return nil, 0, err
	}
	if count, err = c.directory.MemberCount(ctx, r.Code); err != nil {
		return nil, 0, err
	}

	c.publishPresence(ctx, fanout.TypeUserJoined, r.Code, identity.ViewOf(who), m.DisplayName, "", "")
	return r, count, nil
}

// LeaveByIdentity closes the membership of who in code, detaching its local connections.
func (c *Coordinator) LeaveByIdentity(ctx context.Context, who identity.Identity, code string) error {
	m, err := c.directory.RemoveMember(ctx, code, who)
	if err != nil {
		return err
	}

	for _, e := range c.registry.FindByIdentity(who) {
		if e.RoomCode == m.RoomCode {
			c.registry.ClearRoom(e.Conn.ID())
		}
	}
	c.typing.Clear(m.RoomCode, identity.Key(who))

	c.publishPresence(ctx, fanout.TypeUserLeft, m.RoomCode, identity.ViewOf(who), m.DisplayName, "", leaveReasonLeft)
	return nil
}

// ReleaseMemberships announces memberships closed outside any connection, such as those of
// purged guest sessions.
func (c *Coordinator) ReleaseMemberships(ctx context.Context, closed []store.Membership) {
	for _, m := range closed {
		view := identity.View{ID: m.Member.ID, DisplayName: m.DisplayName, Kind: m.Member.Kind}

		for _, e := range c.registry.FindByRef(m.Member) {
			if e.RoomCode == m.RoomCode {
				c.registry.ClearRoom(e.Conn.ID())
			}
		}
		c.typing.Clear(m.RoomCode, m.Member.Key())

		c.publishPresence(ctx, fanout.TypeUserLeft, m.RoomCode, view, m.DisplayName, "", leaveReasonExpired)
	}
}

// SetPreserveHistory toggles history retention and announces the updated room.
func (c *Coordinator) SetPreserveHistory(ctx context.Context, who identity.Identity, code string, preserve bool) (*store.Room, error) {
	r, err := c.directory.SetPreserveHistory(ctx, code, who, preserve)
	if err != nil {
		return nil, err
	}

	if err := c.publish(ctx, fanout.TypeRoomUpdated, r.Code, RoomUpdatedPayload{Room: r}, ""); err != nil {
		c.logger.Warn().Err(err).Str("room_code", r.Code).Msg("Room update not broadcast.")
	}
	return r, nil
}

// DeleteRoom deletes the room and tells every connection in it that the room is gone.
func (c *Coordinator) DeleteRoom(ctx context.Context, who identity.Identity, code string) error {
	code, err := room.NormalizeCode(code)
	if err != nil {
		return err
	}
	members, err := c.directory.Delete(ctx, code, who)
	if err != nil {
		return err
	}

	c.logger.Debug().Str("room_code", code).Int("open_members", len(members)).Msg("Announcing room closure.")

	evt, err := fanout.NewEvent(fanout.TypeRoomClosed, code, RoomClosedPayload{Reason: closeReasonDeleted})
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, evt); err != nil {
		metrics.FanoutPublishFailures.Inc()
		c.logger.Warn().Err(err).Str("room_code", code).Msg("Room closure not broadcast, closing local connections only.")
		c.dispatch(evt)
	}
	return nil
}

// CreateRoom creates a room with who as creator and first member.
func (c *Coordinator) CreateRoom(ctx context.Context, who identity.Identity, kind store.RoomKind, displayName string, preserve bool) (*store.Room, error) {
	return c.directory.Create(ctx, kind, who, displayName, preserve)
}

func (c *Coordinator) inRoom(connID string) (registry.Entry, error) {
	entry, ok := c.registry.Lookup(connID)
	if !ok {
		return registry.Entry{}, errConnGone
	}
	if !entry.Bound() || !entry.InRoom() {
		return registry.Entry{}, errs.NewError(errs.ErrNotInRoom)
	}
	return entry, nil
}

// attach binds the connection to the open membership of who in code and sends it the room state.
func (c *Coordinator) attach(ctx context.Context, connID string, who identity.Identity, code string) (*RoomStatePayload, error) {
	state, err := c.roomState(ctx, code, who)
	if err != nil {
		return nil, err
	}

	name := who.DisplayName()
	for _, m := range state.Members {
		if m.Member == who.Ref() {
			name = m.DisplayName
			break
		}
	}
	if !c.registry.SetRoom(connID, code, name) {
		return nil, errConnGone
	}

	if err := c.sendDirect(connID, fanout.TypeRoomState, code, state); err != nil {
		c.logger.Warn().Err(err).Str("conn_id", connID).Msg("Failed to deliver room state.")
	}
	return state, nil
}

func (c *Coordinator) roomState(ctx context.Context, code string, who identity.Identity) (*RoomStatePayload, error) {
	r, err := c.directory.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	members, err := c.directory.Members(ctx, code)
	if err != nil {
		return nil, err
	}
	history, err := c.directory.History(ctx, code, 0)
	if err != nil {
		return nil, err
	}
	return &RoomStatePayload{
		Room:        r,
		Self:        identity.ViewOf(who),
		Members:     members,
		MemberCount: len(members),
		History:     history,
	}, nil
}

func (c *Coordinator) kickOthers(connID string, who identity.Identity, code string) {
	for _, e := range c.registry.FindByIdentity(who) {
		if e.Conn.ID() == connID || e.RoomCode != code {
			continue
		}
		c.registry.ClearRoom(e.Conn.ID())

		c.logger.Info().
			Str("room_code", code).
			Str("conn_id", e.Conn.ID()).
			Msg("Replacing older connection of the same identity.")

		if k, ok := e.Conn.(kicker); ok {
			k.Kick(kickReasonReplaced)
		} else {
			e.Conn.Close()
		}
	}
}

func (c *Coordinator) leave(ctx context.Context, entry registry.Entry, reason string) error {
	code := entry.RoomCode

	_, err := c.directory.RemoveMember(ctx, code, entry.Identity)
	closed := err == nil
	if err != nil && !errs.Is(err, errs.ErrNotAMember) && !errs.Is(err, errs.ErrRoomNotFound) {
		return err
	}

	c.registry.ClearRoom(entry.Conn.ID())
	c.typing.Clear(code, identity.Key(entry.Identity))

	if closed {
		c.publishPresence(ctx, fanout.TypeUserLeft, code, identity.ViewOf(entry.Identity), entry.DisplayName, entry.Conn.ID(), reason)
	}
	return nil
}

// onDeparture is the registry hook for connections that went away while in a room.
func (c *Coordinator) onDeparture(entry registry.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), departureTimeout)
	defer cancel()

	for _, e := range c.registry.FindByIdentity(entry.Identity) {
		if e.RoomCode == entry.RoomCode {
			// another local connection still holds the membership
			return
		}
	}

	if err := c.leave(ctx, entry, leaveReasonDisconnected); err != nil {
		c.logger.Warn().Err(err).
			Str("room_code", entry.RoomCode).
			Str("member", identity.Key(entry.Identity)).
			Msg("Failed to close membership of departed connection.")
	}
}

func (c *Coordinator) publish(ctx context.Context, t fanout.EventType, code string, payload any, exclude string) error {
	evt, err := fanout.NewEvent(t, code, payload)
	if err != nil {
		return err
	}
	evt.Exclude = exclude

	if err := c.bus.Publish(ctx, evt); err != nil {
		metrics.FanoutPublishFailures.Inc()
		return err
	}
	return nil
}

func (c *Coordinator) publishPresence(ctx context.Context, t fanout.EventType, code string, who identity.View, name, exclude, reason string) {
	count, err := c.directory.MemberCount(ctx, code)
	if err != nil && !errs.Is(err, errs.ErrRoomNotFound) {
		c.logger.Debug().Err(err).Str("room_code", code).Msg("Member count unavailable for presence event.")
	}

	p := PresencePayload{Identity: who, DisplayName: name, MemberCount: count, Reason: reason}
	if err := c.publish(ctx, t, code, p, exclude); err != nil {
		c.logger.Warn().Err(err).Str("room_code", code).Str("type", string(t)).Msg("Presence event not broadcast.")
	}
}

func (c *Coordinator) sendDirect(connID string, t fanout.EventType, code string, payload any) error {
	entry, ok := c.registry.Lookup(connID)
	if !ok {
		return errConnGone
	}
	evt, err := fanout.NewEvent(t, code, payload)
	if err != nil {
		return err
	}
	frame, err := evt.Frame()
	if err != nil {
		return err
	}
	return entry.Conn.Send(frame)
}

// dispatch delivers an event received from the bus to the local connections of its room.
func (c *Coordinator) dispatch(evt fanout.Event) {
	switch evt.Type {
	case fanout.TypeUserTyping:
		var p TypingPayload
		if err := json.Unmarshal(evt.Payload, &p); err == nil {
			if p.IsTyping {
				c.typing.Touch(evt.RoomCode, p)
			} else {
				c.typing.Clear(evt.RoomCode, refOf(p.Identity).Key())
			}
		}
	case fanout.TypeNewMessage:
		var m store.Message
		if err := json.Unmarshal(evt.Payload, &m); err == nil {
			c.typing.Clear(evt.RoomCode, m.Author.Key())
		}
	}

	c.deliver(evt, nil)

	switch evt.Type {
	case fanout.TypeUserLeft:
		var p PresencePayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return
		}
		ref := refOf(p.Identity)
		for _, e := range c.registry.FindByRef(ref) {
			if e.RoomCode != evt.RoomCode || e.Conn.ID() == evt.Exclude {
				continue
			}
			// the membership was closed elsewhere, e.g. by a connection on another process
			c.registry.ClearRoom(e.Conn.ID())
			c.notifyDetached(e.Conn.ID(), evt.RoomCode)
		}
		c.typing.Clear(evt.RoomCode, ref.Key())
	case fanout.TypeRoomClosed:
		for _, e := range c.registry.ConnectionsInRoom(evt.RoomCode) {
			c.registry.ClearRoom(e.Conn.ID())
		}
		c.typing.ClearRoom(evt.RoomCode)
	}
}

func (c *Coordinator) notifyDetached(connID, code string) {
	customErr := errs.NewError(errs.ErrNotAMember)
	payload := ErrorPayload{Code: customErr.Code, Message: customErr.Message}
	if err := c.sendDirect(connID, fanout.TypeError, code, payload); err != nil {
		c.logger.Debug().Err(err).Str("conn_id", connID).Msg("Failed to notify detached connection.")
	}
}

func (c *Coordinator) deliver(evt fanout.Event, skip func(registry.Entry) bool) {
	frame, err := evt.Frame()
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(evt.Type)).Msg("Failed to encode event frame.")
		return
	}

	delivered := 0
	for _, e := range c.registry.ConnectionsInRoom(evt.RoomCode) {
		if e.Conn.ID() == evt.Exclude || (skip != nil && skip(e)) {
			continue
		}
		if err := e.Conn.Send(frame); err != nil {
			c.logger.Debug().Err(err).Str("conn_id", e.Conn.ID()).Msg("Dropped event for connection.")
			continue
		}
		delivered++
	}
	metrics.FanoutDelivered.WithLabelValues(string(evt.Type)).Add(float64(delivered))
}

// typingExpired tells the local connections of code that an indicator timed out.
func (c *Coordinator) typingExpired(code string, p TypingPayload) {
	evt, err := fanout.NewEvent(fanout.TypeUserTyping, code, p)
	if err != nil {
		return
	}
	typist := refOf(p.Identity)
	c.deliver(evt, func(e registry.Entry) bool {
		return e.Bound() && e.Identity.Ref() == typist
	})
}

func observeJoin(err error) {
	outcome := "ok"
	if err != nil {
		outcome = strconv.Itoa(errs.CodeOf(err))
	}
	metrics.RoomJoinsTotal.WithLabelValues(outcome).Inc()
}
