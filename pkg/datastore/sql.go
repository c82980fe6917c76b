package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.000000000"

// SQLStore is the SQLite-backed DataStore.
type SQLStore struct {
	DB *sql.DB
}

// NewSQLStore opens (or creates) a SQLite database and runs migrations.
func NewSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// WAL keeps history reads from blocking the appending writer.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLStore{DB: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.DB.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS rooms (
		id          INTEGER PRIMARY KEY,
		position    INTEGER NOT NULL,
		name        TEXT    NOT NULL CHECK(length(name) > 0),
		description TEXT    NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS messages (
		room_id           INTEGER NOT NULL,
		seq               INTEGER NOT NULL,
		sender            TEXT    NOT NULL,
		kind              TEXT    NOT NULL CHECK(kind IN ('text', 'image', 'file')),
		body              TEXT    NOT NULL DEFAULT '',
		attachment_ref    TEXT,
		attachment_name   TEXT    NOT NULL DEFAULT '',
		attachment_size   INTEGER NOT NULL DEFAULT 0,
		attachment_type   TEXT    NOT NULL DEFAULT '',
		attachment_digest TEXT    NOT NULL DEFAULT '',
		created_at        TEXT    NOT NULL,
		PRIMARY KEY (room_id, seq)
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Rooms ----

// ListRooms returns the catalog ordered by insertion position.
func (s *SQLStore) ListRooms() ([]model.Room, error) {
	rows, err := s.DB.QueryContext(context.Background(), "SELECT id, name, description FROM rooms ORDER BY position, id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []model.Room
	for rows.Next() {
		var r model.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return nil, fmt.Errorf("datastore: scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// ImportRooms inserts new rooms at the end of the catalog and updates the
// name and description of existing ones, all in one transaction.
func (s *SQLStore) ImportRooms(rooms []model.Room) error {
	for i := range rooms {
		if err := rooms[i].Validate(); err != nil {
			return fmt.Errorf("datastore: import rooms: %w", err)
		}
	}

	ctx := context.Background()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: import rooms: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), 0) FROM rooms").Scan(&next); err != nil {
		return fmt.Errorf("datastore: import rooms: %w", err)
	}
	for _, r := range rooms {
		next++
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (id, position, name, description) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description`,
			r.ID, next, r.Name, r.Description)
		if err != nil {
			return fmt.Errorf("datastore: import room %d: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: import rooms: commit: %w", err)
	}
	return nil
}

// ---- Messages ----

// AppendMessage journals an accepted message.
func (s *SQLStore) AppendMessage(m *model.Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}

	var ref *string
	var name, ctype, digest string
	var size int64
	if a := m.Attachment; a != nil {
		ref = &a.Ref
		name, size, ctype, digest = a.Name, a.Size, a.ContentType, a.Digest
	}
	_, err := s.DB.ExecContext(context.Background(),
		`INSERT INTO messages (room_id, seq, sender, kind, body, attachment_ref, attachment_name, attachment_size, attachment_type, attachment_digest, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RoomID, m.Seq, m.Sender, string(m.Kind), m.Text, ref, name, size, ctype, digest, formatDBTime(m.Timestamp))
	if err != nil {
		return fmt.Errorf("datastore: append message: %w", err)
	}
	return nil
}

// ListMessages returns messages in ascending sequence order.
func (s *SQLStore) ListMessages(filters MessageFilters) ([]model.Message, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.DB.QueryContext(context.Background(), `
		SELECT room_id, seq, sender, kind, body, attachment_ref, attachment_name, attachment_size, attachment_type, attachment_digest, created_at
		FROM messages
		WHERE room_id = ? AND seq > ?
		ORDER BY seq DESC
		LIMIT ?`,
		filters.RoomID, filters.AfterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var kind, createdAt string
		var ref *string
		var a model.Attachment
		if err := rows.Scan(&m.RoomID, &m.Seq, &m.Sender, &kind, &m.Text, &ref, &a.Name, &a.Size, &a.ContentType, &a.Digest, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.Kind = model.Kind(kind)
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.Timestamp = parsed
		if ref != nil {
			a.Ref = *ref
			a.CreatedAt = parsed
			m.Attachment = &a
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}

	// Rows came newest first so LIMIT keeps the tail; flip to ascending.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastSeq returns the highest journaled sequence number of a room.
func (s *SQLStore) LastSeq(roomID int64) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(context.Background(), "SELECT COALESCE(MAX(seq), 0) FROM messages WHERE room_id = ?", roomID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("datastore: last seq: %w", err)
	}
	return seq, nil
}

// TrimMessages deletes the journaled messages of a room below beforeSeq.
func (s *SQLStore) TrimMessages(roomID, beforeSeq int64) error {
	_, err := s.DB.ExecContext(context.Background(), "DELETE FROM messages WHERE room_id = ? AND seq < ?", roomID, beforeSeq)
	if err != nil {
		return fmt.Errorf("datastore: trim messages: %w", err)
	}
	return nil
}
