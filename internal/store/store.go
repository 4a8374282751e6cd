package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Sentinel value recorded as lastClientId for mutations the server initiates
// itself, such as language switches.
const ServerClientID = "server"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrSessionExists       = errors.New("session already exists")
	ErrNameTaken           = errors.New("participant name already taken")
	ErrInvalidCursor       = errors.New("cursor position out of range")
)

// VersionConflictError reports a rejected edit together with the current
// server-side document state so the caller can rebase.
type VersionConflictError struct {
	Code    string
	Version int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: server is at version %d", e.Version)
}

type Session struct {
	ID                      string    `json:"id"`
	Title                   string    `json:"title"`
	Language                string    `json:"language"`
	Code                    string    `json:"code"`
	Version                 int64     `json:"version"`
	LastClientID            *string   `json:"lastClientId"`
	CreatedAt               time.Time `json:"createdAt"`
	LastActivity            time.Time `json:"-"`
	LastParticipantActivity time.Time `json:"-"`
}

type Cursor struct {
	Line   int `json:"lineNumber"`
	Column int `json:"column"`
}

type Participant struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Avatar   string  `json:"avatar"`
	Color    string  `json:"color"`
	IsOnline bool    `json:"isOnline"`
	Cursor   *Cursor `json:"cursor"`
	IsTyping bool    `json:"isTyping"`
}

// ParticipantPatch carries a partial participant update. Nil pointers mean
// the field was absent from the request and must be left untouched.
// ClearCursor distinguishes an explicit "cursor": null from omission.
type ParticipantPatch struct {
	IsOnline    *bool
	IsTyping    *bool
	Cursor      *Cursor
	ClearCursor bool
}

// UnmarshalJSON keeps "cursor": null apart from a missing cursor key: the
// former sets ClearCursor, the latter sets neither field.
func (p *ParticipantPatch) UnmarshalJSON(data []byte) error {
	var raw struct {
		IsOnline *bool           `json:"isOnline"`
		IsTyping *bool           `json:"isTyping"`
		Cursor   json.RawMessage `json:"cursor"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.IsOnline = raw.IsOnline
	p.IsTyping = raw.IsTyping
	p.Cursor = nil
	p.ClearCursor = false

	if raw.Cursor == nil {
		return nil
	}
	if string(raw.Cursor) == "null" {
		p.ClearCursor = true
		return nil
	}
	var c Cursor
	if err := json.Unmarshal(raw.Cursor, &c); err != nil {
		return err
	}
	p.Cursor = &c
	return nil
}

// Validate checks cursor bounds; line and column are 1-based.
func (p *ParticipantPatch) Validate() error {
	if p.Cursor != nil && (p.Cursor.Line < 1 || p.Cursor.Column < 1) {
		return ErrInvalidCursor
	}
	return nil
}

// Store holds all session and participant state in an in-memory SQLite
// database. The single serialized connection is the synchronization boundary:
// every mutation runs as one statement or transaction, so concurrent requests
// on the same session cannot interleave.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open() (*Store, error) {
	// Each Store gets its own named memory database so independent stores
	// (tests, mainly) never share tables through the process-wide cache.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// A memory database lives only as long as a connection to it does.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		language TEXT NOT NULL,
		code TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		last_client_id TEXT,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		last_participant_activity INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		avatar TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		is_online INTEGER NOT NULL DEFAULT 1,
		cursor_line INTEGER,
		cursor_column INTEGER,
		is_typing INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
		UNIQUE (session_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_participants_session_id ON participants(session_id);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Session operations

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)", sess.ID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrSessionExists
	}

	now := s.now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, title, language, code, version, last_client_id, created_at, last_activity, last_participant_activity)
		VALUES (?, ?, ?, ?, 0, NULL, ?, ?, ?)
	`, sess.ID, sess.Title, sess.Language, sess.Code, now.UnixNano(), now.UnixNano(), now.UnixNano())
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	sess.Version = 0
	sess.LastClientID = nil
	sess.CreatedAt = now
	sess.LastActivity = now
	sess.LastParticipantActivity = now
	return nil
}

func (s *Store) Session(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, language, code, version, last_client_id, created_at, last_activity, last_participant_activity
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var createdAt, lastActivity, lastParticipantActivity int64
	err := row.Scan(
		&sess.ID, &sess.Title, &sess.Language, &sess.Code, &sess.Version,
		&sess.LastClientID, &createdAt, &lastActivity, &lastParticipantActivity,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.Unix(0, createdAt)
	sess.LastActivity = time.Unix(0, lastActivity)
	sess.LastParticipantActivity = time.Unix(0, lastParticipantActivity)
	return &sess, nil
}

// UpdateCode applies an edit only when the caller's expected version matches
// the stored one. The conditional UPDATE is the compare-and-increment step:
// of two racing edits carrying the same expected version, exactly one can
// match the WHERE clause.
func (s *Store) UpdateCode(ctx context.Context, id, code string, expectedVersion int64, clientID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET code = ?, version = version + 1, last_client_id = ?, last_activity = ?
		WHERE id = ? AND version = ?
	`, code, clientID, s.now().UnixNano(), id, expectedVersion)
	if err != nil {
		return 0, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 1 {
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		return expectedVersion + 1, nil
	}

	// Rejected: report the current state from the same transaction so the
	// conflict payload cannot race with another writer.
	var currentCode string
	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		"SELECT code, version FROM sessions WHERE id = ?", id,
	).Scan(&currentCode, &currentVersion)
	if err == sql.ErrNoRows {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, err
	}
	return 0, &VersionConflictError{Code: currentCode, Version: currentVersion}
}

// UpdateLanguage overwrites the document unconditionally and bumps the
// version. Language switches bypass the optimistic-concurrency check by
// design: they are operator-driven and deliberately destructive.
func (s *Store) UpdateLanguage(ctx context.Context, id, language, code string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET language = ?, code = ?, version = version + 1, last_client_id = ?, last_activity = ?
		WHERE id = ?
	`, language, code, ServerClientID, s.now().UnixNano(), id)
	if err != nil {
		return 0, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return 0, ErrSessionNotFound
	}

	var version int64
	if err := tx.QueryRowContext(ctx, "SELECT version FROM sessions WHERE id = ?", id).Scan(&version); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// Touch stamps lastActivity, and lastParticipantActivity as well when the
// triggering event came from the participant registry. Missing sessions are
// ignored; touching is a side effect with no return contract.
func (s *Store) Touch(ctx context.Context, id string, participantActivity bool) error {
	now := s.now().UnixNano()
	if participantActivity {
		_, err := s.db.ExecContext(ctx,
			"UPDATE sessions SET last_activity = ?, last_participant_activity = ? WHERE id = ?",
			now, now, id,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity = ? WHERE id = ?", now, id,
	)
	return err
}

// DeleteSession is idempotent; the cascade removes the session's participants
// in the same statement.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	return err
}

func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM sessions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Participant operations

func (s *Store) Participants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, avatar, color, is_online, cursor_line, cursor_column, is_typing
		FROM participants WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := []Participant{}
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*Participant, error) {
	var p Participant
	var line, column sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.Avatar, &p.Color, &p.IsOnline, &line, &column, &p.IsTyping)
	if err != nil {
		return nil, err
	}
	if line.Valid && column.Valid {
		p.Cursor = &Cursor{Line: int(line.Int64), Column: int(column.Int64)}
	}
	return &p, nil
}

func (s *Store) ParticipantExists(ctx context.Context, sessionID, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM participants WHERE session_id = ? AND name = ?)",
		sessionID, name,
	).Scan(&exists)
	return exists, err
}

func (s *Store) AddParticipant(ctx context.Context, sessionID string, p *Participant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)", sessionID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}

	var taken bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM participants WHERE session_id = ? AND name = ?)",
		sessionID, p.Name,
	).Scan(&taken); err != nil {
		return err
	}
	if taken {
		return ErrNameTaken
	}

	var line, column any
	if p.Cursor != nil {
		line, column = p.Cursor.Line, p.Cursor.Column
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO participants (id, session_id, name, avatar, color, is_online, cursor_line, cursor_column, is_typing)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, sessionID, p.Name, p.Avatar, p.Color, p.IsOnline, line, column, p.IsTyping)
	if err != nil {
		return err
	}

	now := s.now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET last_activity = ?, last_participant_activity = ? WHERE id = ?",
		now, now, sessionID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateParticipant merges only the fields present in the patch. An explicit
// cursor clear nulls the stored position; an absent cursor leaves it alone.
func (s *Store) UpdateParticipant(ctx context.Context, sessionID, participantID string, patch ParticipantPatch) (*Participant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var sets []string
	var args []any
	if patch.IsOnline != nil {
		sets = append(sets, "is_online = ?")
		args = append(args, *patch.IsOnline)
	}
	if patch.IsTyping != nil {
		sets = append(sets, "is_typing = ?")
		args = append(args, *patch.IsTyping)
	}
	if patch.Cursor != nil {
		sets = append(sets, "cursor_line = ?", "cursor_column = ?")
		args = append(args, patch.Cursor.Line, patch.Cursor.Column)
	} else if patch.ClearCursor {
		sets = append(sets, "cursor_line = NULL", "cursor_column = NULL")
	}

	if len(sets) > 0 {
		query := "UPDATE participants SET " + strings.Join(sets, ", ") + " WHERE session_id = ? AND id = ?"
		args = append(args, sessionID, participantID)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, err
		}
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, name, avatar, color, is_online, cursor_line, cursor_column, is_typing
		FROM participants WHERE session_id = ? AND id = ?
	`, sessionID, participantID)
	p, err := scanParticipant(row)
	if err == sql.ErrNoRows {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET last_activity = ?, last_participant_activity = ? WHERE id = ?",
		now, now, sessionID,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

// RemoveParticipant reports whether a row was actually removed. When the last
// participant leaves, the session's registry entry is simply gone; the session
// record itself is untouched.
func (s *Store) RemoveParticipant(ctx context.Context, sessionID, participantID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM participants WHERE session_id = ? AND id = ?",
		sessionID, participantID,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}
	return true, s.Touch(ctx, sessionID, true)
}

func (s *Store) CountParticipants(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM participants WHERE session_id = ?", sessionID,
	).Scan(&count)
	return count, err
}

// Stats

func (s *Store) Counts(ctx context.Context) (sessions, participants int, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&sessions); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM participants").Scan(&participants); err != nil {
		return 0, 0, err
	}
	return sessions, participants, nil
}
