// Package postgres implements the durable side of the messaging core on
// PostgreSQL: the append-only message table, the room registry, and the
// transactional outbox. A single transaction covers message insert, room
// summary update, and outbox staging, so fan-out events can never precede
// a durable message.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/parlor/chat-core/internal/broker"
	"github.com/parlor/chat-core/internal/message"
	"github.com/parlor/chat-core/internal/outbox"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// Migrate applies all pending schema migrations.
func Migrate(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres migrate source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres migrate up: %w", err)
	}
	return nil
}

// Store provides message, room, and outbox access on a shared database
// handle. It satisfies broker.Storage, auth.MembershipSource, and
// outbox.Source.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendMessage implements broker.Storage. The message insert, the room
// last-message update, and the outbox rows commit or roll back together.
func (s *Store) AppendMessage(ctx context.Context, msg message.Message, idempotencyKey string,
	eventsFor func(message.Message) ([]outbox.Event, error)) (message.Message, bool, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Message{}, false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if idempotencyKey != "" {
		existing, err := s.messageByKey(ctx, tx, msg.Room, idempotencyKey)
		if err != nil {
			return message.Message{}, false, err
		}
		if existing != nil {
			return *existing, false, nil
		}
	}

	var key sql.NullString
	if idempotencyKey != "" {
		key = sql.NullString{String: idempotencyKey, Valid: true}
	}

	const insertQuery = `
		INSERT INTO chat_messages (id, room, content, sender, sender_email, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING creation, seq`

	err = tx.QueryRowContext(ctx, insertQuery,
		msg.ID, msg.Room, msg.Content, msg.Sender, msg.SenderEmail, key,
	).Scan(&msg.Creation, &msg.Seq)
	if err != nil {
		if isForeignKeyViolation(err) {
			return message.Message{}, false, broker.ErrRoomNotFound
		}
		return message.Message{}, false, fmt.Errorf("postgres: insert message: %w", err)
	}

	const updateQuery = `
		UPDATE chat_rooms SET last_message = $2, modified = now() WHERE name = $1`

	result, err := tx.ExecContext(ctx, updateQuery, msg.Room, msg.Content)
	if err != nil {
		return message.Message{}, false, fmt.Errorf("postgres: update room summary: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return message.Message{}, false, broker.ErrRoomNotFound
	}

	events, err := eventsFor(msg)
	if err != nil {
		return message.Message{}, false, err
	}
	if err := stageEvents(ctx, tx, events); err != nil {
		return message.Message{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return message.Message{}, false, fmt.Errorf("postgres: commit: %w", err)
	}
	return msg, true, nil
}

func (s *Store) messageByKey(ctx context.Context, tx *sql.Tx, room, key string) (*message.Message, error) {
	const query = `
		SELECT id, room, content, sender, sender_email, creation, seq
		FROM chat_messages
		WHERE room = $1 AND idempotency_key = $2`

	var m message.Message
	err := tx.QueryRowContext(ctx, query, room, key).Scan(
		&m.ID, &m.Room, &m.Content, &m.Sender, &m.SenderEmail, &m.Creation, &m.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lookup idempotency key: %w", err)
	}
	return &m, nil
}

func stageEvents(ctx context.Context, tx *sql.Tx, events []outbox.Event) error {
	const query = `
		INSERT INTO chat_outbox (id, channel, payload) VALUES ($1, $2, $3)`

	for _, event := range events {
		id := event.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx, query, id, event.Channel, []byte(event.Payload)); err != nil {
			return fmt.Errorf("postgres: stage outbox event: %w", err)
		}
	}
	return nil
}

// ListMessages implements broker.Storage. Read order reproduces write
// order: creation ascending with seq as the tie break.
func (s *Store) ListMessages(ctx context.Context, room string) ([]message.Message, error) {
	const query = `
		SELECT id, room, content, sender, sender_email, creation, seq
		FROM chat_messages
		WHERE room = $1
		ORDER BY creation ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, room)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []message.Message
	for rows.Next() {
		var m message.Message
		if err := rows.Scan(&m.ID, &m.Room, &m.Content, &m.Sender, &m.SenderEmail, &m.Creation, &m.Seq); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	return msgs, nil
}

// CreateRoom implements broker.Storage.
func (s *Store) CreateRoom(ctx context.Context, name, roomType string, members []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	const roomQuery = `
		INSERT INTO chat_rooms (name, room_type) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, roomQuery, name, roomType); err != nil {
		return fmt.Errorf("postgres: insert room: %w", err)
	}

	const memberQuery = `
		INSERT INTO chat_room_members (room, email) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`
	for _, email := range members {
		if _, err := tx.ExecContext(ctx, memberQuery, name, email); err != nil {
			return fmt.Errorf("postgres: insert member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// MarkRead flips the room's read marker. It deliberately leaves the
// modified column untouched so the update is invisible to change tracking
// on the room record.
func (s *Store) MarkRead(ctx context.Context, room string) error {
	const query = `
		UPDATE chat_rooms SET is_read = TRUE WHERE name = $1`

	result, err := s.db.ExecContext(ctx, query, room)
	if err != nil {
		return fmt.Errorf("postgres: mark read: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return broker.ErrRoomNotFound
	}
	return nil
}

// IsMember implements auth.MembershipSource.
func (s *Store) IsMember(ctx context.Context, room, email string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM chat_room_members WHERE room = $1 AND email = $2
		)`

	var member bool
	if err := s.db.QueryRowContext(ctx, query, room, email).Scan(&member); err != nil {
		return false, fmt.Errorf("postgres: membership check: %w", err)
	}
	return member, nil
}

// RoomType implements auth.MembershipSource.
func (s *Store) RoomType(ctx context.Context, room string) (string, error) {
	const query = `
		SELECT room_type FROM chat_rooms WHERE name = $1`

	var roomType string
	err := s.db.QueryRowContext(ctx, query, room).Scan(&roomType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", broker.ErrRoomNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres: room type: %w", err)
	}
	return roomType, nil
}

// FetchPending implements outbox.Source.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]outbox.Event, error) {
	const query = `
		SELECT id, channel, payload, attempts
		FROM chat_outbox
		WHERE published_at IS NULL
		ORDER BY seq ASC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch pending: %w", err)
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var e outbox.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Channel, &payload, &e.Attempts); err != nil {
			return nil, fmt.Errorf("postgres: scan outbox event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fetch pending: %w", err)
	}
	return events, nil
}

// MarkPublished implements outbox.Source.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	const query = `
		UPDATE chat_outbox SET published_at = now() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("postgres: mark published: %w", err)
	}
	return nil
}

// RecordFailure implements outbox.Source.
func (s *Store) RecordFailure(ctx context.Context, id string) error {
	const query = `
		UPDATE chat_outbox SET attempts = attempts + 1 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("postgres: record failure: %w", err)
	}
	return nil
}

// isForeignKeyViolation reports whether err is a Postgres foreign key
// violation (SQLSTATE 23503), which on chat_messages means the room does
// not exist.
func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
