package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a Store held in process memory. A single mutex serializes every operation, which
// makes AddMember's check-and-insert atomic.
type Memory struct {
	mu sync.Mutex

	rooms       map[string]*Room
	memberships []*Membership
	messages    map[string][]Message
	sessions    map[string]*GuestSession // by ID
	tokens      map[string]string        // token -> session ID
	users       map[string]*User         // by ID
	usernames   map[string]string        // username -> user ID

	nextMembershipID int64
	nextSeq          int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:     make(map[string]*Room),
		messages:  make(map[string][]Message),
		sessions:  make(map[string]*GuestSession),
		tokens:    make(map[string]string),
		users:     make(map[string]*User),
		usernames: make(map[string]string),
	}
}

var _ Store = (*Memory)(nil)

func (s *Memory) Ping(context.Context) error { return nil }

func (s *Memory) Close() {}

func (s *Memory) CreateRoom(_ context.Context, room Room, creator *NewMember) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.Code]; ok {
		return nil, ErrCodeTaken
	}

	var guest *GuestSession
	if creator != nil && creator.Member.Kind == IdentityGuest {
		g, err := s.guestFor(creator.Member.ID, room.Code)
		if err != nil {
			return nil, err
		}
		guest = g
	}

	stored := room
	if room.Creator != nil {
		c := *room.Creator
		stored.Creator = &c
	}
	s.rooms[room.Code] = &stored

	if creator != nil {
		s.insertMembership(room.Code, *creator)
		if guest != nil {
			guest.CurrentRoom = room.Code
		}
	}

	out := stored
	return &out, nil
}

func (s *Memory) GetRoom(_ context.Context, code string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *Memory) SetPreserveHistory(_ context.Context, code string, preserve bool) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[code]
	if !ok {
		return nil, ErrNotFound
	}
	r.PreserveHistory = preserve
	out := *r
	return &out, nil
}

func (s *Memory) DeleteRoom(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[code]; !ok {
		return ErrNotFound
	}
	delete(s.rooms, code)
	delete(s.messages, code)

	kept := s.memberships[:0]
	for _, m := range s.memberships {
		if m.RoomCode != code {
			kept = append(kept, m)
		}
	}
	s.memberships = kept

	for _, g := range s.sessions {
		if g.CurrentRoom == code {
			g.CurrentRoom = ""
		}
	}
	return nil
}

func (s *Memory) CountOpenMembers(_ context.Context, code string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[code]; !ok {
		return 0, ErrNotFound
	}
	return s.countOpen(code), nil
}

func (s *Memory) ListOpenMembers(_ context.Context, code string) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[code]; !ok {
		return nil, ErrNotFound
	}
	var out []Membership
	for _, m := range s.memberships {
		if m.RoomCode == code && m.IsOpen() {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *Memory) AddMember(_ context.Context, code string, nm NewMember, capacity int) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[code]
	if !ok || !r.Active {
		return nil, ErrNotFound
	}
	if s.openMembership(code, nm.Member) != nil {
		return nil, ErrAlreadyMember
	}

	var guest *GuestSession
	if nm.Member.Kind == IdentityGuest {
		g, err := s.guestFor(nm.Member.ID, code)
		if err != nil {
			return nil, err
		}
		guest = g
	}

	if capacity > 0 && s.countOpen(code) >= capacity {
		return nil, ErrRoomFull
	}

	m := s.insertMembership(code, nm)
	if guest != nil {
		guest.CurrentRoom = code
	}
	out := *m
	return &out, nil
}

func (s *Memory) RemoveMember(_ context.Context, code string, who IdentityRef, at time.Time) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.openMembership(code, who)
	if m == nil {
		return nil, ErrNotMember
	}
	left := at
	m.LeftAt = &left

	if who.Kind == IdentityGuest {
		if g, ok := s.sessions[who.ID]; ok && g.CurrentRoom == code {
			g.CurrentRoom = ""
		}
	}
	out := *m
	return &out, nil
}

func (s *Memory) ListRoomsFor(_ context.Context, who IdentityRef) ([]RoomSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []RoomSummary
	for _, m := range s.memberships {
		if m.Member != who || !m.IsOpen() {
			continue
		}
		r, ok := s.rooms[m.RoomCode]
		if !ok {
			continue
		}
		sum := RoomSummary{Room: *r, MemberCount: s.countOpen(r.Code)}
		if msgs := s.messages[r.Code]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Room.CreatedAt.After(out[j].Room.CreatedAt)
	})
	return out, nil
}

func (s *Memory) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[m.RoomCode]; !ok {
		return ErrNotFound
	}
	s.nextSeq++
	m.Seq = s.nextSeq
	s.messages[m.RoomCode] = append(s.messages[m.RoomCode], *m)
	return nil
}

func (s *Memory) ListMessages(_ context.Context, code string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[code]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Memory) CreateGuestSession(_ context.Context, g GuestSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[g.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.tokens[g.Token]; ok {
		return ErrConflict
	}
	stored := g
	s.sessions[g.ID] = &stored
	s.tokens[g.Token] = g.ID
	return nil
}

func (s *Memory) GetGuestSessionByToken(_ context.Context, token string) (*GuestSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s.sessions[id]
	return &out, nil
}

func (s *Memory) GetGuestSession(_ context.Context, id string) (*GuestSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *g
	return &out, nil
}

func (s *Memory) PurgeExpiredGuestSessions(_ context.Context, now time.Time) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closed []Membership
	for id, g := range s.sessions {
		if !g.Expired(now) {
			continue
		}
		ref := IdentityRef{Kind: IdentityGuest, ID: id}
		for _, m := range s.memberships {
			if m.Member == ref && m.IsOpen() {
				left := now
				m.LeftAt = &left
				closed = append(closed, *m)
			}
		}
		delete(s.tokens, g.Token)
		delete(s.sessions, id)
	}
	return closed, nil
}

func (s *Memory) CreateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.usernames[u.Username]; ok {
		return ErrConflict
	}
	stored := u
	s.users[u.ID] = &stored
	s.usernames[u.Username] = u.ID
	return nil
}

func (s *Memory) GetUserByID(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	return &out, nil
}

func (s *Memory) GetUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s.users[id]
	return &out, nil
}

// guestFor returns the session of a guest about to enter code, enforcing the single-room rule.
// Callers hold s.mu.
func (s *Memory) guestFor(id, code string) (*GuestSession, error) {
	g, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionGone
	}
	if g.CurrentRoom != "" && g.CurrentRoom != code {
		return nil, ErrGuestInOtherRoom
	}
	return g, nil
}

func (s *Memory) insertMembership(code string, nm NewMember) *Membership {
	s.nextMembershipID++
	m := &Membership{
		ID:          s.nextMembershipID,
		RoomCode:    code,
		Member:      nm.Member,
		DisplayName: nm.DisplayName,
		JoinedAt:    nm.JoinedAt,
	}
	s.memberships = append(s.memberships, m)
	return m
}

func (s *Memory) openMembership(code string, who IdentityRef) *Membership {
	for _, m := range s.memberships {
		if m.RoomCode == code && m.Member == who && m.IsOpen() {
			return m
		}
	}
	return nil
}

func (s *Memory) countOpen(code string) int {
	n := 0
	for _, m := range s.memberships {
		if m.RoomCode == code && m.IsOpen() {
			n++
		}
	}
	return n
}
