// Package storage is the persistence layer shared by the escalator, the
// digest scheduler, the durable registry, and the HTTP API's boundary CRUD
// calls. One schema, two drivers: sqlite for single-instance deployments and
// postgres for the managed-gateway deployment where stateless workers share
// state.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"flockcast/internal/registry"
	"flockcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Store struct {
	db  *sqlx.DB
	log logx.Logger
}

// Open initializes the configured store and runs migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var db *sqlx.DB
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, errors.New("sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		var err error
		db, err = sqlx.Open("sqlite", path)
		if err != nil {
			return nil, err
		}
		// SQLite prefers a small number of concurrent writers.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if cfg.BusyTimeout > 0 {
			_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
		}
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("postgres dsn is required")
		}
		var err error
		db, err = sqlx.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- conversations / messages ----

func (s *Store) LoadConversation(ctx context.Context, churchID, id string) (Conversation, error) {
	var c Conversation
	err := s.db.GetContext(ctx, &c,
		s.db.Rebind(`SELECT id, church_id, title, first_post_id, last_post_id
		             FROM conversations WHERE church_id = ? AND id = ?`),
		churchID, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

func (s *Store) ListParticipants(ctx context.Context, churchID, conversationID string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT person_id FROM conversation_participants
		             WHERE church_id = ? AND conversation_id = ? ORDER BY person_id`),
		churchID, conversationID,
	)
	return out, err
}

// UpdateConversationStats refreshes the denormalized first/last post pointers
// from the persisted messages of the conversation.
func (s *Store) UpdateConversationStats(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE conversations SET
		  first_post_id = COALESCE((SELECT id FROM messages WHERE conversation_id = ? ORDER BY created_at ASC  LIMIT 1), ''),
		  last_post_id  = COALESCE((SELECT id FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT 1), '')
		 WHERE id = ?`),
		conversationID, conversationID, conversationID,
	)
	return err
}

func (s *Store) SaveMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO messages (id, church_id, conversation_id, person_id, body, created_at)
		             VALUES (?, ?, ?, ?, ?, ?)`),
		m.ID, m.ChurchID, m.ConversationID, m.PersonID, m.Body, m.CreatedAt.UnixMilli(),
	)
	return m, err
}

// DeleteMessage removes one message. Deleting an absent message is not an
// error; the broadcast to viewers happens either way.
func (s *Store) DeleteMessage(ctx context.Context, churchID, conversationID, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM messages WHERE church_id = ? AND conversation_id = ? AND id = ?`),
		churchID, conversationID, id,
	)
	return err
}

// ---- notifications ----

type notificationRow struct {
	Notification
	TimeSentMS int64 `db:"time_sent"`
}

func (s *Store) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.TimeSent.IsZero() {
		n.TimeSent = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO notifications
		  (id, church_id, person_id, content_type, content_id, time_sent, is_new, message, link, delivery_method)
		  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		n.ID, n.ChurchID, n.PersonID, n.ContentType, n.ContentID,
		n.TimeSent.UnixMilli(), n.IsNew, n.Message, n.Link, n.DeliveryMethod,
	)
	return n, err
}

// HasUnreadNotification reports whether an is_new row already exists for the
// tuple. The escalator checks this before creating to keep the at-most-one
// unread invariant.
func (s *Store) HasUnreadNotification(ctx context.Context, churchID, personID, contentType, contentID string) (bool, error) {
	var one int
	err := s.db.GetContext(ctx, &one,
		s.db.Rebind(`SELECT 1 FROM notifications
		             WHERE church_id = ? AND person_id = ? AND content_type = ? AND content_id = ? AND is_new
		             LIMIT 1`),
		churchID, personID, contentType, contentID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) MarkNotificationRead(ctx context.Context, churchID, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE notifications SET is_new = ? WHERE church_id = ? AND id = ?`),
		false, churchID, id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingByFrequency selects pending (no delivery method yet) unread
// notifications inside the lookback window for people on the given email
// frequency tier.
func (s *Store) ListPendingByFrequency(ctx context.Context, frequency string, since time.Time) ([]Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT n.id, n.church_id, n.person_id, n.content_type, n.content_id,
		                    n.time_sent, n.is_new, n.message, n.link, n.delivery_method
		             FROM notifications n
		             JOIN notification_preferences p
		               ON p.church_id = n.church_id AND p.person_id = n.person_id
		             WHERE n.delivery_method = '' AND n.is_new
		               AND p.email_frequency = ? AND n.time_sent >= ?
		             ORDER BY n.church_id, n.person_id, n.time_sent`),
		frequency, since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(rows))
	for _, r := range rows {
		n := r.Notification
		n.TimeSent = time.UnixMilli(r.TimeSentMS)
		out = append(out, n)
	}
	return out, nil
}

// SetDeliveryMethod stamps the delivery method on the given rows. Rows that
// already carry a method are left untouched.
func (s *Store) SetDeliveryMethod(ctx context.Context, ids []string, method string) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`UPDATE notifications SET delivery_method = ? WHERE id IN (?) AND delivery_method = ''`, method, ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	return err
}

// ---- boundary reads ----

func (s *Store) LoadPreference(ctx context.Context, churchID, personID string) (Preference, error) {
	var p Preference
	err := s.db.GetContext(ctx, &p,
		s.db.Rebind(`SELECT church_id, person_id, allow_push, email_frequency
		             FROM notification_preferences WHERE church_id = ? AND person_id = ?`),
		churchID, personID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{}, ErrNotFound
	}
	return p, err
}

type deviceRow struct {
	Device
	LastActiveMS int64 `db:"last_active"`
}

func (s *Store) ListDevices(ctx context.Context, churchID, personID string) ([]Device, error) {
	var rows []deviceRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT church_id, person_id, token, last_active
		             FROM devices WHERE church_id = ? AND person_id = ?`),
		churchID, personID,
	)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(rows))
	for _, r := range rows {
		d := r.Device
		d.LastActiveDate = time.UnixMilli(r.LastActiveMS)
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) LoadPerson(ctx context.Context, churchID, personID string) (Person, error) {
	var p Person
	err := s.db.GetContext(ctx, &p,
		s.db.Rebind(`SELECT id, church_id, email, name FROM persons WHERE church_id = ? AND id = ?`),
		churchID, personID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Person{}, ErrNotFound
	}
	return p, err
}

// ---- registry backing ----

type connectionRow struct {
	registry.Connection
	CreatedMS int64 `db:"created_at"`
}

func (s *Store) InsertConnection(ctx context.Context, c registry.Connection) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO connections (id, church_id, conversation_id, socket_id, person_id, created_at)
		             VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID, c.ChurchID, c.ConversationID, c.SocketID, c.PersonID, c.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM connections WHERE id = ?`), id)
	return err
}

func (s *Store) ListConnections(ctx context.Context, churchID, conversationID string) ([]registry.Connection, error) {
	var rows []connectionRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT id, church_id, conversation_id, socket_id, person_id, created_at
		             FROM connections WHERE church_id = ? AND conversation_id = ?`),
		churchID, conversationID,
	)
	if err != nil {
		return nil, err
	}
	return connectionsFromRows(rows), nil
}

func (s *Store) ListConnectionsBySocket(ctx context.Context, socketID string) ([]registry.Connection, error) {
	var rows []connectionRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT id, church_id, conversation_id, socket_id, person_id, created_at
		             FROM connections WHERE socket_id = ?`),
		socketID,
	)
	if err != nil {
		return nil, err
	}
	return connectionsFromRows(rows), nil
}

func connectionsFromRows(rows []connectionRow) []registry.Connection {
	out := make([]registry.Connection, 0, len(rows))
	for _, r := range rows {
		c := r.Connection
		c.CreatedAt = time.UnixMilli(r.CreatedMS)
		out = append(out, c)
	}
	return out
}

// ---- test/seed helpers used by the CRUD layer ----

func (s *Store) UpsertConversation(ctx context.Context, c Conversation) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO conversations (id, church_id, title, first_post_id, last_post_id)
		             VALUES (?, ?, ?, ?, ?)
		             ON CONFLICT (id) DO UPDATE SET title = excluded.title`),
		c.ID, c.ChurchID, c.Title, c.FirstPostID, c.LastPostID,
	)
	return err
}

func (s *Store) AddParticipant(ctx context.Context, churchID, conversationID, personID string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO conversation_participants (church_id, conversation_id, person_id)
		             VALUES (?, ?, ?) ON CONFLICT DO NOTHING`),
		churchID, conversationID, personID,
	)
	return err
}

func (s *Store) UpsertPreference(ctx context.Context, p Preference) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO notification_preferences (church_id, person_id, allow_push, email_frequency)
		             VALUES (?, ?, ?, ?)
		             ON CONFLICT (church_id, person_id) DO UPDATE SET
		               allow_push = excluded.allow_push, email_frequency = excluded.email_frequency`),
		p.ChurchID, p.PersonID, p.AllowPush, p.EmailFrequency,
	)
	return err
}

func (s *Store) UpsertDevice(ctx context.Context, d Device) error {
	if d.LastActiveDate.IsZero() {
		d.LastActiveDate = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO devices (church_id, person_id, token, last_active)
		             VALUES (?, ?, ?, ?)
		             ON CONFLICT (church_id, person_id, token) DO UPDATE SET last_active = excluded.last_active`),
		d.ChurchID, d.PersonID, d.Token, d.LastActiveDate.UnixMilli(),
	)
	return err
}

func (s *Store) UpsertPerson(ctx context.Context, p Person) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO persons (id, church_id, email, name)
		             VALUES (?, ?, ?, ?)
		             ON CONFLICT (church_id, id) DO UPDATE SET email = excluded.email, name = excluded.name`),
		p.ID, p.ChurchID, p.Email, p.Name,
	)
	return err
}
