package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"roomrelay/internal/app/store"
	"roomrelay/internal/pkg/retry"
)

// Store is the PostgreSQL implementation of store.Store.
//
// Membership capacity is enforced by locking the room row (SELECT ... FOR UPDATE) for the
// duration of the check-and-insert transaction; the partial unique index on open memberships
// backs the duplicate check.
type Store struct {
	pool   *pgxpool.Pool
	policy retry.Policy
}

var _ store.Store = (*Store)(nil)

// NewStore wraps an initialized pool. Transient failures are retried according to policy.
func NewStore(pool *pgxpool.Pool, policy retry.Policy) *Store {
	return &Store{pool: pool, policy: policy}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// run executes fn under the retry policy.
func (s *Store) run(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if isTransient(err) {
			return retry.Retryable(err)
		}
		return err
	})
	return unavailable(err)
}

// inTx runs fn in a transaction under the retry policy.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.run(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, fn)
	})
}

const roomColumns = `code, kind, creator_kind, creator_id, preserve_history, active, created_at`

func scanRoom(row pgx.Row) (*store.Room, error) {
	var (
		r           store.Room
		kind        string
		creatorKind *string
		creatorID   *string
	)
	if err := row.Scan(&r.Code, &kind, &creatorKind, &creatorID, &r.PreserveHistory, &r.Active, &r.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	r.Kind = store.RoomKind(kind)
	if creatorKind != nil && creatorID != nil {
		r.Creator = &store.IdentityRef{Kind: store.IdentityKind(*creatorKind), ID: *creatorID}
	}
	return &r, nil
}

// lockGuest loads a guest session for update and applies the single-room rule.
func lockGuest(ctx context.Context, tx pgx.Tx, id, code string) error {
	var current *string
	err := tx.QueryRow(ctx,
		`SELECT current_room_code FROM guest_sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrSessionGone
		}
		return err
	}
	if current != nil && *current != code {
		return store.ErrGuestInOtherRoom
	}
	return nil
}

func insertMembership(ctx context.Context, tx pgx.Tx, code string, nm store.NewMember) (*store.Membership, error) {
	m := store.Membership{RoomCode: code, Member: nm.Member, DisplayName: nm.DisplayName, JoinedAt: nm.JoinedAt}
	err := tx.QueryRow(ctx,
		`INSERT INTO memberships (room_code, identity_kind, identity_id, display_name, joined_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		code, string(nm.Member.Kind), nm.Member.ID, nm.DisplayName, nm.JoinedAt,
	).Scan(&m.ID)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, store.ErrAlreadyMember
		}
		return nil, err
	}

	if nm.Member.Kind == store.IdentityGuest {
		if _, err := tx.Exec(ctx,
			`UPDATE guest_sessions SET current_room_code = $2 WHERE id = $1`, nm.Member.ID, code,
		); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (s *Store) CreateRoom(ctx context.Context, room store.Room, creator *store.NewMember) (*store.Room, error) {
	var out *store.Room
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if creator != nil && creator.Member.Kind == store.IdentityGuest {
			if err := lockGuest(ctx, tx, creator.Member.ID, room.Code); err != nil {
				return err
			}
		}

		var creatorKind, creatorID *string
		if room.Creator != nil {
			k, id := string(room.Creator.Kind), room.Creator.ID
			creatorKind, creatorID = &k, &id
		}

		r, err := scanRoom(tx.QueryRow(ctx,
			`INSERT INTO rooms (code, kind, creator_kind, creator_id, preserve_history, active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING `+roomColumns,
			room.Code, string(room.Kind), creatorKind, creatorID, room.PreserveHistory, room.Active, room.CreatedAt,
		))
		if err != nil {
			if IsUniqueViolation(err) {
				return store.ErrCodeTaken
			}
			return err
		}

		if creator != nil {
			if _, err := insertMembership(ctx, tx, room.Code, *creator); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Store) GetRoom(ctx context.Context, code string) (*store.Room, error) {
	var out *store.Room
	err := s.run(ctx, func(ctx context.Context) error {
		r, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = $1`, code))
		out = r
		return err
	})
	return out, err
}

func (s *Store) SetPreserveHistory(ctx context.Context, code string, preserve bool) (*store.Room, error) {
	var out *store.Room
	err := s.run(ctx, func(ctx context.Context) error {
		r, err := scanRoom(s.pool.QueryRow(ctx,
			`UPDATE rooms SET preserve_history = $2 WHERE code = $1 RETURNING `+roomColumns, code, preserve,
		))
		out = r
		return err
	})
	return out, err
}

func (s *Store) DeleteRoom(ctx context.Context, code string) error {
	return s.run(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM rooms WHERE code = $1`, code)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) CountOpenMembers(ctx context.Context, code string) (int, error) {
	var n int
	err := s.run(ctx, func(ctx context.Context) error {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM rooms WHERE code = $1),
			        (SELECT count(*) FROM memberships WHERE room_code = $1 AND left_at IS NULL)`, code,
		).Scan(&exists, &n)
		if err == nil && !exists {
			return store.ErrNotFound
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ListOpenMembers(ctx context.Context, code string) ([]store.Membership, error) {
	if _, err := s.GetRoom(ctx, code); err != nil {
		return nil, err
	}

	var out []store.Membership
	err := s.run(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT id, room_code, identity_kind, identity_id, display_name, joined_at, left_at
			 FROM memberships WHERE room_code = $1 AND left_at IS NULL ORDER BY id`, code,
		)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanMembership)
		return err
	})
	return out, err
}

func scanMembership(row pgx.CollectableRow) (store.Membership, error) {
	var (
		m    store.Membership
		kind string
	)
	err := row.Scan(&m.ID, &m.RoomCode, &kind, &m.Member.ID, &m.DisplayName, &m.JoinedAt, &m.LeftAt)
	m.Member.Kind = store.IdentityKind(kind)
	return m, err
}

func (s *Store) AddMember(ctx context.Context, code string, nm store.NewMember, capacity int) (*store.Membership, error) {
	var out *store.Membership
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var active bool
		err := tx.QueryRow(ctx, `SELECT active FROM rooms WHERE code = $1 FOR UPDATE`, code).Scan(&active)
		if err != nil {
			return notFound(err)
		}
		if !active {
			return store.ErrNotFound
		}

		var already bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM memberships
			  WHERE room_code = $1 AND identity_kind = $2 AND identity_id = $3 AND left_at IS NULL)`,
			code, string(nm.Member.Kind), nm.Member.ID,
		).Scan(&already); err != nil {
			return err
		}
		if already {
			return store.ErrAlreadyMember
		}

		if nm.Member.Kind == store.IdentityGuest {
			if err := lockGuest(ctx, tx, nm.Member.ID, code); err != nil {
				return err
			}
		}

		if capacity > 0 {
			var n int
			if err := tx.QueryRow(ctx,
				`SELECT count(*) FROM memberships WHERE room_code = $1 AND left_at IS NULL`, code,
			).Scan(&n); err != nil {
				return err
			}
			if n >= capacity {
				return store.ErrRoomFull
			}
		}

		m, err := insertMembership(ctx, tx, code, nm)
		out = m
		return err
	})
	return out, err
}

func (s *Store) RemoveMember(ctx context.Context, code string, who store.IdentityRef, at time.Time) (*store.Membership, error) {
	var out *store.Membership
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE memberships SET left_at = $4
			 WHERE room_code = $1 AND identity_kind = $2 AND identity_id = $3 AND left_at IS NULL
			 RETURNING id, room_code, identity_kind, identity_id, display_name, joined_at, left_at`,
			code, string(who.Kind), who.ID, at,
		)
		if err != nil {
			return err
		}
		m, err := pgx.CollectOneRow(rows, scanMembership)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotMember
			}
			return err
		}

		if who.Kind == store.IdentityGuest {
			if _, err := tx.Exec(ctx,
				`UPDATE guest_sessions SET current_room_code = NULL WHERE id = $1 AND current_room_code = $2`,
				who.ID, code,
			); err != nil {
				return err
			}
		}
		out = &m
		return nil
	})
	return out, err
}

func (s *Store) ListRoomsFor(ctx context.Context, who store.IdentityRef) ([]store.RoomSummary, error) {
	var out []store.RoomSummary
	err := s.run(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT r.code, r.kind, r.creator_kind, r.creator_id, r.preserve_history, r.active, r.created_at,
			        (SELECT count(*) FROM memberships c WHERE c.room_code = r.code AND c.left_at IS NULL),
			        lm.id, lm.seq, lm.author_kind, lm.author_id, lm.author_name, lm.content, lm.kind, lm.created_at
			 FROM memberships m
			 JOIN rooms r ON r.code = m.room_code
			 LEFT JOIN LATERAL (
			     SELECT * FROM messages x WHERE x.room_code = r.code ORDER BY x.seq DESC LIMIT 1
			 ) lm ON TRUE
			 WHERE m.identity_kind = $1 AND m.identity_id = $2 AND m.left_at IS NULL
			 ORDER BY r.created_at DESC`,
			string(who.Kind), who.ID,
		)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.RoomSummary, error) {
			var (
				sum                    store.RoomSummary
				kind                   string
				creatorKind, creatorID *string
				msgID                  *string
				seq                    *int64
				authorKind, authorID   *string
				authorName, content    *string
				msgKind                *string
				msgAt                  *time.Time
			)
			err := row.Scan(&sum.Room.Code, &kind, &creatorKind, &creatorID, &sum.Room.PreserveHistory,
				&sum.Room.Active, &sum.Room.CreatedAt, &sum.MemberCount,
				&msgID, &seq, &authorKind, &authorID, &authorName, &content, &msgKind, &msgAt)
			if err != nil {
				return sum, err
			}
			sum.Room.Kind = store.RoomKind(kind)
			if creatorKind != nil && creatorID != nil {
				sum.Room.Creator = &store.IdentityRef{Kind: store.IdentityKind(*creatorKind), ID: *creatorID}
			}
			if msgID != nil {
				sum.LastMessage = &store.Message{
					ID:         *msgID,
					Seq:        *seq,
					RoomCode:   sum.Room.Code,
					Author:     store.IdentityRef{Kind: store.IdentityKind(*authorKind), ID: *authorID},
					AuthorName: *authorName,
					Content:    *content,
					Kind:       store.MessageKind(*msgKind),
					CreatedAt:  *msgAt,
				}
			}
			return sum, nil
		})
		return err
	})
	return out, err
}

func (s *Store) CreateMessage(ctx context.Context, m *store.Message) error {
	return s.run(ctx, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx,
			`INSERT INTO messages (id, room_code, author_kind, author_id, author_name, content, kind, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq`,
			m.ID, m.RoomCode, string(m.Author.Kind), m.Author.ID, m.AuthorName, m.Content, string(m.Kind), m.CreatedAt,
		).Scan(&m.Seq)
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return err
	})
}

func (s *Store) ListMessages(ctx context.Context, code string, limit int) ([]store.Message, error) {
	var out []store.Message
	err := s.run(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT id, seq, room_code, author_kind, author_id, author_name, content, kind, created_at FROM (
			     SELECT * FROM messages WHERE room_code = $1 ORDER BY seq DESC LIMIT $2
			 ) latest ORDER BY seq ASC`,
			code, limit,
		)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
			var (
				m                store.Message
				authorKind, kind string
			)
			err := row.Scan(&m.ID, &m.Seq, &m.RoomCode, &authorKind, &m.Author.ID, &m.AuthorName, &m.Content, &kind, &m.CreatedAt)
			m.Author.Kind = store.IdentityKind(authorKind)
			m.Kind = store.MessageKind(kind)
			return m, err
		})
		return err
	})
	return out, err
}

const sessionColumns = `id, token, display_name, current_room_code, created_at, expires_at`

func scanSession(row pgx.Row) (*store.GuestSession, error) {
	var (
		g       store.GuestSession
		current *string
	)
	if err := row.Scan(&g.ID, &g.Token, &g.DisplayName, &current, &g.CreatedAt, &g.ExpiresAt); err != nil {
		return nil, notFound(err)
	}
	if current != nil {
		g.CurrentRoom = *current
	}
	return &g, nil
}

func (s *Store) CreateGuestSession(ctx context.Context, g store.GuestSession) error {
	return s.run(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO guest_sessions (id, token, display_name, created_at, expires_at) VALUES ($1, $2, $3, $4, $5)`,
			g.ID, g.Token, g.DisplayName, g.CreatedAt, g.ExpiresAt,
		)
		if IsUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	})
}

func (s *Store) GetGuestSessionByToken(ctx context.Context, token string) (*store.GuestSession, error) {
	var out *store.GuestSession
	err := s.run(ctx, func(ctx context.Context) error {
		g, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM guest_sessions WHERE token = $1`, token))
		out = g
		return err
	})
	return out, err
}

func (s *Store) GetGuestSession(ctx context.Context, id string) (*store.GuestSession, error) {
	var out *store.GuestSession
	err := s.run(ctx, func(ctx context.Context) error {
		g, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM guest_sessions WHERE id = $1`, id))
		out = g
		return err
	})
	return out, err
}

func (s *Store) PurgeExpiredGuestSessions(ctx context.Context, now time.Time) ([]store.Membership, error) {
	var closed []store.Membership
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE memberships SET left_at = $1
			 WHERE identity_kind = 'guest' AND left_at IS NULL
			   AND identity_id IN (SELECT id FROM guest_sessions WHERE expires_at <= $1)
			 RETURNING id, room_code, identity_kind, identity_id, display_name, joined_at, left_at`,
			now,
		)
		if err != nil {
			return err
		}
		closed, err = pgx.CollectRows(rows, scanMembership)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `DELETE FROM guest_sessions WHERE expires_at <= $1`, now)
		return err
	})
	return closed, err
}

func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	return s.run(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO users (id, username, password_hash, display_name, created_at) VALUES ($1, $2, $3, $4, $5)`,
			u.ID, u.Username, u.PasswordHash, u.DisplayName, u.CreatedAt,
		)
		if IsUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	})
}

func (s *Store) getUser(ctx context.Context, column, value string) (*store.User, error) {
	var out *store.User
	err := s.run(ctx, func(ctx context.Context) error {
		var u store.User
		err := s.pool.QueryRow(ctx,
			`SELECT id, username, password_hash, display_name, created_at FROM users WHERE `+column+` = $1`, value,
		).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.CreatedAt)
		if err != nil {
			return notFound(err)
		}
		out = &u
		return nil
	})
	return out, err
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	return s.getUser(ctx, "username", username)
}
