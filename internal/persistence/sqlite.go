package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"NutriChat/internal/session"
)

// SQLiteRemote stores sessions in a local SQLite database
type SQLiteRemote struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteRemote opens (or creates) the database at path
func NewSQLiteRemote(path string, logger *slog.Logger) (*SQLiteRemote, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	db, err := InitDB(path)
	if err != nil {
		return nil, err
	}

	logger.Info("opened session database", "path", path)
	return &SQLiteRemote{db: db, logger: logger, now: time.Now}, nil
}

// InitDB initializes the SQLite database
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps writes ordered and makes :memory: usable
	db.SetMaxOpenConns(1)

	createSessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);`

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT,
		id TEXT,
		position INTEGER,
		role TEXT,
		type TEXT,
		content TEXT,
		status TEXT,
		created_at DATETIME,
		PRIMARY KEY(session_id, id),
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);`

	createTagsTable := `
	CREATE TABLE IF NOT EXISTS session_tags (
		session_id TEXT,
		tag_id TEXT,
		position INTEGER,
		PRIMARY KEY(session_id, tag_id),
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);`

	for name, stmt := range map[string]string{
		"sessions":     createSessionsTable,
		"messages":     createMessagesTable,
		"session_tags": createTagsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create %s table: %w", name, err)
		}
	}

	return db, nil
}

// Create inserts rec under a freshly minted id
func (r *SQLiteRemote) Create(ctx context.Context, rec Record) (string, error) {
	id := uuid.NewString()
	now := r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, rec.Title, rec.CreatedAt, now,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}
	if err := writeTags(ctx, tx, id, rec.TagIDs); err != nil {
		return "", err
	}
	if err := writeMessages(ctx, tx, id, rec.Messages); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info("session saved", "session_id", id, "message_count", len(rec.Messages))
	return id, nil
}

// Update applies patch to the session with the given id
func (r *SQLiteRemote) Update(ctx context.Context, id string, patch Patch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", r.now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if patch.Title != nil {
		if _, err := tx.ExecContext(ctx, "UPDATE sessions SET title = ? WHERE id = ?", *patch.Title, id); err != nil {
			return fmt.Errorf("failed to rename session: %w", err)
		}
	}
	if patch.TagIDs != nil {
		if err := writeTags(ctx, tx, id, *patch.TagIDs); err != nil {
			return err
		}
	}
	if patch.Messages != nil {
		if err := writeMessages(ctx, tx, id, *patch.Messages); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete removes the session and everything attached to it
func (r *SQLiteRemote) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM messages WHERE session_id = ?",
		"DELETE FROM session_tags WHERE session_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete session data: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	r.logger.Info("session deleted", "session_id", id)
	return nil
}

// List returns every stored session, most recently updated first
func (r *SQLiteRemote) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM sessions ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	// the single connection must be free before the per-session queries
	rows.Close()

	for i := range recs {
		if recs[i].TagIDs, err = r.loadTags(ctx, recs[i].ID); err != nil {
			return nil, err
		}
		if recs[i].Messages, err = r.loadMessages(ctx, recs[i].ID); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// Close closes the database
func (r *SQLiteRemote) Close() error {
	return r.db.Close()
}

func (r *SQLiteRemote) loadTags(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT tag_id FROM session_tags WHERE session_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	defer rows.Close()

	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (r *SQLiteRemote) loadMessages(ctx context.Context, id string) ([]session.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, role, type, content, status, created_at FROM messages WHERE session_id = ? ORDER BY position",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		msg := session.Message{SessionID: id}
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Type, &msg.Content, &msg.Status, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func writeTags(ctx context.Context, tx *sql.Tx, id string, tags []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM session_tags WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear tags: %w", err)
	}
	for i, tag := range tags {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO session_tags (session_id, tag_id, position) VALUES (?, ?, ?)",
			id, tag, i,
		)
		if err != nil {
			return fmt.Errorf("failed to save tag: %w", err)
		}
	}
	return nil
}

// writeMessages replaces the stored message list with msgs
func writeMessages(ctx context.Context, tx *sql.Tx, id string, msgs []session.Message) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	for i, msg := range msgs {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO messages (session_id, id, position, role, type, content, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			id, msg.ID, i, string(msg.Role), string(msg.Type), msg.Content, string(msg.Status), msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}
	return nil
}
