/*
Package room contains the Room Directory: the authoritative mapping from room codes to room
metadata and open memberships.

The Directory validates room codes, generates collision-free codes on creation, enforces creator
authorization and translates store-level failures into application error codes. Membership
mutations are serialized per room code in-process and made atomic by the backing store, so two
processes racing on a PAIR room cannot both pass the capacity check.
*/
package room

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/store"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/randx"
)

const (
	// MaxCodeAttempts bounds code generation retries on collision.
	MaxCodeAttempts = 10

	// DefaultHistoryLimit is the history page size when the caller does not pick one.
	DefaultHistoryLimit = 50

	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 500
)

// Store is the part of the backing store the Directory needs.
type Store interface {
	store.RoomStore
	store.MessageStore
}

// Directory is the Room Directory.
type Directory struct {
	// store is the authoritative backing store.
	store Store

	// locks serializes membership mutations per room code.
	locks *keyedMutex

	// historyLimit is the default history page size.
	historyLimit int

	// newCode generates candidate room codes.
	newCode func() (string, error)

	now func() time.Time

	// structured logger with Directory context.
	logger zerolog.Logger
}

// Option customizes a Directory.
type Option func(*Directory)

// WithHistoryLimit sets the default history page size.
func WithHistoryLimit(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.historyLimit = n
		}
	}
}

// WithCodeGenerator replaces the random room code generator.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(d *Directory) {
		d.newCode = gen
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// NewDirectory constructs a Directory over st.
func NewDirectory(st Store, opts ...Option) *Directory {
	d := &Directory{
		store:        st,
		locks:        newKeyedMutex(),
		historyLimit: DefaultHistoryLimit,
		newCode:      randx.RoomCode,
		now:          time.Now,
		logger:       logx.Component("directory"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NormalizeCode uppercases and validates a client-supplied room code.
func NormalizeCode(code string) (string, error) {
	code = randx.NormalizeRoomCode(code)
	if !randx.IsValidRoomCode(code) {
		return "", errs.NewError(errs.ErrRoomCodeInvalid)
	}
	return code, nil
}

// Create generates a unique code and stores a new active room. When creator is non-nil it is
// recorded as the room's creator and added as the first member under displayName.
func (d *Directory) Create(ctx context.Context, kind store.RoomKind, creator identity.Identity, displayName string, preserveHistory bool) (*store.Room, error) {
	if kind != store.RoomKindPair && kind != store.RoomKindGroup {
		return nil, errs.NewError(errs.ErrRoomTypeInvalid)
	}

	now := d.now()
	room := store.Room{
		Kind:            kind,
		PreserveHistory: preserveHistory,
		Active:          true,
		CreatedAt:       now,
	}

	var first *store.NewMember
	if creator != nil {
		name, err := memberName(creator, displayName)
		if err != nil {
			return nil, err
		}
		ref := creator.Ref()
		room.Creator = &ref
		first = &store.NewMember{Member: ref, DisplayName: name, JoinedAt: now}
	}

	for attempt := 1; attempt <= MaxCodeAttempts; attempt++ {
		code, err := d.newCode()
		if err != nil {
			return nil, errs.Wrap(errs.ErrUnknown, err)
		}
		room.Code = code

		created, err := d.store.CreateRoom(ctx, room, first)
		if err == nil {
			d.logger.Info().
				Str("room_code", created.Code).
				Str("kind", string(created.Kind)).
				Bool("preserve_history", created.PreserveHistory).
				Int("attempt", attempt).
				Msg("Room created.")
			return created, nil
		}
		if !errors.Is(err, store.ErrCodeTaken) {
			return nil, translate(err)
		}

		d.logger.Debug().Str("room_code", code).Int("attempt", attempt).Msg("Room code collision, retrying.")
	}

	d.logger.Error().Int("attempts", MaxCodeAttempts).Msg("Room code space exhausted.")
	return nil, errs.NewError(errs.ErrCodeSpaceExhausted)
}

// Lookup returns the room with the given code.
func (d *Directory) Lookup(ctx context.Context, code string) (*store.Room, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	r, err := d.store.GetRoom(ctx, code)
	if err != nil {
		return nil, translate(err)
	}
	return r, nil
}

// SetPreserveHistory toggles history persistence. Only the creator may do so.
func (d *Directory) SetPreserveHistory(ctx context.Context, code string, who identity.Identity, preserve bool) (*store.Room, error) {
	r, err := d.authorize(ctx, code, who)
	if err != nil {
		return nil, err
	}

	updated, err := d.store.SetPreserveHistory(ctx, r.Code, preserve)
	if err != nil {
		return nil, translate(err)
	}

	d.logger.Info().Str("room_code", r.Code).Bool("preserve_history", preserve).Msg("Room history setting changed.")
	return updated, nil
}

// Delete removes the room with its memberships and messages. Only the creator may do so.
// It returns the members that were open at deletion time.
func (d *Directory) Delete(ctx context.Context, code string, who identity.Identity) ([]store.Membership, error) {
	r, err := d.authorize(ctx, code, who)
	if err != nil {
		return nil, err
	}

	unlock := d.locks.Lock(r.Code)
	defer unlock()

	members, err := d.store.ListOpenMembers(ctx, r.Code)
	if err != nil {
		return nil, translate(err)
	}
	if err := d.store.DeleteRoom(ctx, r.Code); err != nil {
		return nil, translate(err)
	}

	d.logger.Info().Str("room_code", r.Code).Int("open_members", len(members)).Msg("Room deleted.")
	return members, nil
}

// MemberCount returns the number of open memberships.
func (d *Directory) MemberCount(ctx context.Context, code string) (int, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return 0, err
	}
	n, err := d.store.CountOpenMembers(ctx, code)
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// Members returns the open memberships in join order.
func (d *Directory) Members(ctx context.Context, code string) ([]store.Membership, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	members, err := d.store.ListOpenMembers(ctx, code)
	if err != nil {
		return nil, translate(err)
	}
	return members, nil
}

// AddMember opens a membership for who. displayName defaults to the identity's name.
//
// It fails RoomNotFound for missing or inactive rooms, AlreadyMember when an open membership
// exists, GuestAlreadyInOtherRoom when a guest holds an open membership elsewhere and RoomFull
// when a PAIR room already has two members.
func (d *Directory) AddMember(ctx context.Context, code string, who identity.Identity, displayName string) (*store.Membership, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	name, err := memberName(who, displayName)
	if err != nil {
		return nil, err
	}

	unlock := d.locks.Lock(code)
	defer unlock()

	r, err := d.store.GetRoom(ctx, code)
	if err != nil {
		return nil, translate(err)
	}

	m, err := d.store.AddMember(ctx, code, store.NewMember{
		Member:      who.Ref(),
		DisplayName: name,
		JoinedAt:    d.now(),
	}, r.Kind.Capacity())
	if err != nil {
		return nil, translate(err)
	}

	d.logger.Debug().Str("room_code", code).Str("member", who.Ref().Key()).Msg("Membership opened.")
	return m, nil
}

// RemoveMember closes the open membership of who. For guests the session's current room is cleared.
func (d *Directory) RemoveMember(ctx context.Context, code string, who identity.Identity) (*store.Membership, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}

	unlock := d.locks.Lock(code)
	defer unlock()

	m, err := d.store.RemoveMember(ctx, code, who.Ref(), d.now())
	if err != nil {
		return nil, translate(err)
	}

	d.logger.Debug().Str("room_code", code).Str("member", who.Ref().Key()).Msg("Membership closed.")
	return m, nil
}

// History returns up to limit persisted messages in ascending order. It is empty when the room
// does not preserve history. A non-positive limit selects the default page size.
func (d *Directory) History(ctx context.Context, code string, limit int) ([]store.Message, error) {
	r, err := d.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if !r.PreserveHistory {
		return []store.Message{}, nil
	}

	if limit <= 0 {
		limit = d.historyLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	msgs, err := d.store.ListMessages(ctx, r.Code, limit)
	if err != nil {
		return nil, translate(err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return msgs, nil
}

// SaveMessage persists m.
func (d *Directory) SaveMessage(ctx context.Context, m *store.Message) error {
	if err := d.store.CreateMessage(ctx, m); err != nil {
		return translate(err)
	}
	return nil
}

// RoomsFor lists the rooms where who holds an open membership.
func (d *Directory) RoomsFor(ctx context.Context, who identity.Identity) ([]store.RoomSummary, error) {
	rooms, err := d.store.ListRoomsFor(ctx, who.Ref())
	if err != nil {
		return nil, translate(err)
	}
	if rooms == nil {
		rooms = []store.RoomSummary{}
	}
	return rooms, nil
}

func (d *Directory) authorize(ctx context.Context, code string, who identity.Identity) (*store.Room, error) {
	if who == nil {
		return nil, errs.NewError(errs.ErrUnauthorized)
	}
	r, err := d.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if !r.IsCreator(who.Ref()) {
		return nil, errs.NewError(errs.ErrNotAuthorized)
	}
	return r, nil
}

func memberName(who identity.Identity, displayName string) (string, error) {
	name, ok := identity.NormalizeDisplayName(displayName)
	if !ok {
		return "", errs.NewError(errs.ErrInvalidParams)
	}
	if name == "" {
		name = who.DisplayName()
	}
	return name, nil
}

// translate maps store sentinels to application errors.
func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errs.Wrap(errs.ErrRoomNotFound, err)
	case errors.Is(err, store.ErrRoomFull):
		return errs.Wrap(errs.ErrRoomFull, err)
	case errors.Is(err, store.ErrAlreadyMember):
		return errs.Wrap(errs.ErrAlreadyMember, err)
	case errors.Is(err, store.ErrGuestInOtherRoom):
		return errs.Wrap(errs.ErrGuestAlreadyInOtherRoom, err)
	case errors.Is(err, store.ErrNotMember):
		return errs.Wrap(errs.ErrNotAMember, err)
	case errors.Is(err, store.ErrSessionGone):
		return errs.Wrap(errs.ErrInvalidSession, err)
	case errors.Is(err, store.ErrUnavailable):
		return errs.Wrap(errs.ErrStoreUnavailable, err)
	}

	var customErr *errs.CustomError
	if errors.As(err, &customErr) {
		return err
	}
	return errs.Wrap(errs.ErrStoreUnavailable, err)
}
