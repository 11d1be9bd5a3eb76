package board

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlNotesTableName     = "relayboard_notes"
	sqlReactionsTableName = "relayboard_reactions"
	sqlOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver    string
	floatType string
	intType   string
	// rebind rewrites $n placeholders for drivers that spell them differently.
	rebind       func(query string) string
	maxOpenConns int
}

var postgresDialect = sqlDialect{
	driver:    "postgres",
	floatType: "DOUBLE PRECISION",
	intType:   "BIGINT",
	rebind:    func(query string) string { return query },
}

var sqliteDialect = sqlDialect{
	driver:       "sqlite3",
	floatType:    "REAL",
	intType:      "INTEGER",
	rebind:       rebindNumbered,
	maxOpenConns: 1,
}

// SQLAccessor implements Accessor on a relational database. The version
// compare-and-swap is a single conditional UPDATE, so no row locks are held
// between a caller's read and write.
type SQLAccessor struct {
	dsn            string
	dialect        sqlDialect
	notesTable     string
	reactionsTable string
	openDB         sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresAccessor(dsn string) (*SQLAccessor, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return newSQLAccessor(dsn, postgresDialect), nil
}

// NewSQLiteAccessor opens (creating if needed) the database file at path.
func NewSQLiteAccessor(path string) (*SQLAccessor, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return newSQLAccessor("file:"+path+"?_busy_timeout=5000&_foreign_keys=on", sqliteDialect), nil
}

func newSQLAccessor(dsn string, dialect sqlDialect) *SQLAccessor {
	return &SQLAccessor{
		dsn:            dsn,
		dialect:        dialect,
		notesTable:     sqlNotesTableName,
		reactionsTable: sqlReactionsTableName,
		openDB:         sql.Open,
	}
}

func (a *SQLAccessor) Get(ctx context.Context, id string) (Note, error) {
	if err := a.ensureReady(); err != nil {
		return Note{}, unavailable(err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return a.getNote(ctx, a.db, id)
}

func (a *SQLAccessor) Put(ctx context.Context, note Note, expectedVersion int64) (Note, error) {
	if err := validatePut(note, expectedVersion); err != nil {
		return Note{}, err
	}
	if err := a.ensureReady(); err != nil {
		return Note{}, unavailable(err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	images, err := json.Marshal(nonNilImages(note.Images))
	if err != nil {
		return Note{}, err
	}
	if expectedVersion == 0 {
		query := a.q(fmt.Sprintf(`
			INSERT INTO %s (id, workspace_id, author_id, content, x, y, version, images, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`, sqlQuoteIdentifier(a.notesTable)))
		result, err := a.db.ExecContext(ctx, query,
			note.ID, note.WorkspaceID, note.AuthorID, note.Content,
			note.Position.X, note.Position.Y, note.Version, string(images),
			formatTime(note.CreatedAt), formatTime(note.UpdatedAt))
		if err != nil {
			return Note{}, unavailable(err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			current, getErr := a.getNote(ctx, a.db, note.ID)
			if getErr != nil {
				return Note{}, getErr
			}
			return Note{}, &ConflictError{NoteID: note.ID, CurrentVersion: current.Version}
		}
		return note.Clone(), nil
	}

	query := a.q(fmt.Sprintf(`
		UPDATE %s
		SET content = $1, x = $2, y = $3, version = $4, images = $5, updated_at = $6
		WHERE id = $7 AND version = $8 AND workspace_id = $9`, sqlQuoteIdentifier(a.notesTable)))
	result, err := a.db.ExecContext(ctx, query,
		note.Content, note.Position.X, note.Position.Y, note.Version, string(images),
		formatTime(note.UpdatedAt), note.ID, expectedVersion, note.WorkspaceID)
	if err != nil {
		return Note{}, unavailable(err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		current, getErr := a.getNote(ctx, a.db, note.ID)
		if getErr != nil {
			return Note{}, getErr
		}
		if current.WorkspaceID != note.WorkspaceID {
			return Note{}, ErrInvalidInput
		}
		return Note{}, &ConflictError{NoteID: note.ID, ExpectedVersion: expectedVersion, CurrentVersion: current.Version}
	}
	return a.getNote(ctx, a.db, note.ID)
}

func (a *SQLAccessor) Delete(ctx context.Context, id, expectedAuthor string) error {
	if err := a.ensureReady(); err != nil {
		return unavailable(err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var author string
	err = tx.QueryRowContext(ctx, a.q(fmt.Sprintf("SELECT author_id FROM %s WHERE id = $1", sqlQuoteIdentifier(a.notesTable))), id).Scan(&author)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable(err)
	}
	if author != expectedAuthor {
		return ErrForbidden
	}
	if _, err := tx.ExecContext(ctx, a.q(fmt.Sprintf("DELETE FROM %s WHERE note_id = $1", sqlQuoteIdentifier(a.reactionsTable))), id); err != nil {
		return unavailable(err)
	}
	result, err := tx.ExecContext(ctx, a.q(fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND author_id = $2", sqlQuoteIdentifier(a.notesTable))), id, expectedAuthor)
	if err != nil {
		return unavailable(err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	committed = true
	return nil
}

func (a *SQLAccessor) Query(ctx context.Context, workspaceID string, bbox *BoundingBox) ([]Note, error) {
	if err := a.ensureReady(); err != nil {
		return nil, unavailable(err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE workspace_id = $1", noteColumns, sqlQuoteIdentifier(a.notesTable))
	args := []any{workspaceID}
	if bbox != nil {
		query += " AND x >= $2 AND x <= $3 AND y >= $4 AND y <= $5"
		args = append(args, bbox.MinX, bbox.MaxX, bbox.MinY, bbox.MaxY)
	}
	query += " ORDER BY created_at ASC, id ASC"
	rows, err := a.db.QueryContext(ctx, a.q(query), args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	notes := make([]Note, 0)
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return notes, nil
}

func (a *SQLAccessor) PutReaction(ctx context.Context, reaction Reaction) (Reaction, error) {
	if reaction.ID == "" || reaction.NoteID == "" || reaction.IdentityID == "" || reaction.Symbol == "" {
		return Reaction{}, ErrInvalidInput
	}
	if err := a.ensureReady(); err != nil {
		return Reaction{}, unavailable(err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	if _, err := a.getNote(ctx, a.db, reaction.NoteID); err != nil {
		return Reaction{}, err
	}
	query := a.q(fmt.Sprintf(`
		INSERT INTO %s (id, note_id, identity_id, symbol, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (note_id, identity_id)
		DO UPDATE SET symbol = excluded.symbol, updated_at = excluded.updated_at`, sqlQuoteIdentifier(a.reactionsTable)))
	if _, err := a.db.ExecContext(ctx, query,
		reaction.ID, reaction.NoteID, reaction.IdentityID, reaction.Symbol,
		formatTime(reaction.CreatedAt), formatTime(reaction.UpdatedAt)); err != nil {
		return Reaction{}, unavailable(err)
	}
	return a.getReaction(ctx, reaction.NoteID, reaction.IdentityID)
}

func (a *SQLAccessor) DeleteReaction(ctx context.Context, noteID, identity, symbol string) (Reaction, error) {
	if err := a.ensureReady(); err != nil {
		return Reaction{}, unavailable(err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	existing, err := a.getReaction(ctx, noteID, identity)
	if err != nil {
		return Reaction{}, err
	}
	if symbol != "" && existing.Symbol != symbol {
		return Reaction{}, ErrNotFound
	}
	query := a.q(fmt.Sprintf("DELETE FROM %s WHERE note_id = $1 AND identity_id = $2 AND symbol = $3", sqlQuoteIdentifier(a.reactionsTable)))
	result, err := a.db.ExecContext(ctx, query, noteID, identity, existing.Symbol)
	if err != nil {
		return Reaction{}, unavailable(err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return Reaction{}, ErrNotFound
	}
	return existing, nil
}

func (a *SQLAccessor) ListReactions(ctx context.Context, noteIDs ...string) ([]Reaction, error) {
	if len(noteIDs) == 0 {
		return []Reaction{}, nil
	}
	if err := a.ensureReady(); err != nil {
		return nil, unavailable(err)
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	placeholders := make([]string, len(noteIDs))
	args := make([]any, len(noteIDs))
	for i, id := range noteIDs {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	query := fmt.Sprintf(
		"SELECT id, note_id, identity_id, symbol, created_at, updated_at FROM %s WHERE note_id IN (%s) ORDER BY created_at ASC, id ASC",
		sqlQuoteIdentifier(a.reactionsTable), strings.Join(placeholders, ", "))
	rows, err := a.db.QueryContext(ctx, a.q(query), args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	reactions := make([]Reaction, 0)
	for rows.Next() {
		reaction, err := scanReaction(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		reactions = append(reactions, reaction)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return reactions, nil
}

func (a *SQLAccessor) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *SQLAccessor) ensureReady() error {
	if a == nil {
		return ErrInvalidInput
	}
	a.initOnce.Do(func() {
		db, err := a.openDB(a.dialect.driver, a.dsn)
		if err != nil {
			a.initErr = err
			return
		}
		if a.dialect.maxOpenConns > 0 {
			db.SetMaxOpenConns(a.dialect.maxOpenConns)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					workspace_id TEXT NOT NULL,
					author_id TEXT NOT NULL,
					content TEXT NOT NULL,
					x %s NOT NULL,
					y %s NOT NULL,
					version %s NOT NULL,
					images TEXT NOT NULL,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`, sqlQuoteIdentifier(a.notesTable), a.dialect.floatType, a.dialect.floatType, a.dialect.intType),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (workspace_id, x, y)",
				sqlQuoteIdentifier(a.notesTable+"_workspace_xy_idx"), sqlQuoteIdentifier(a.notesTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					note_id TEXT NOT NULL,
					identity_id TEXT NOT NULL,
					symbol TEXT NOT NULL,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL,
					UNIQUE (note_id, identity_id)
				)`, sqlQuoteIdentifier(a.reactionsTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				a.initErr = err
				return
			}
		}
		a.db = db
	})
	return a.initErr
}

const noteColumns = "id, workspace_id, author_id, content, x, y, version, images, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (a *SQLAccessor) getNote(ctx context.Context, db queryRower, id string) (Note, error) {
	query := a.q(fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", noteColumns, sqlQuoteIdentifier(a.notesTable)))
	note, err := scanNote(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, unavailable(err)
	}
	return note, nil
}

func (a *SQLAccessor) getReaction(ctx context.Context, noteID, identity string) (Reaction, error) {
	query := a.q(fmt.Sprintf(
		"SELECT id, note_id, identity_id, symbol, created_at, updated_at FROM %s WHERE note_id = $1 AND identity_id = $2",
		sqlQuoteIdentifier(a.reactionsTable)))
	reaction, err := scanReaction(a.db.QueryRowContext(ctx, query, noteID, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return Reaction{}, ErrNotFound
	}
	if err != nil {
		return Reaction{}, unavailable(err)
	}
	return reaction, nil
}

func (a *SQLAccessor) q(query string) string {
	return a.dialect.rebind(query)
}

func scanNote(row rowScanner) (Note, error) {
	var note Note
	var images, createdAt, updatedAt string
	if err := row.Scan(&note.ID, &note.WorkspaceID, &note.AuthorID, &note.Content,
		&note.Position.X, &note.Position.Y, &note.Version, &images, &createdAt, &updatedAt); err != nil {
		return Note{}, err
	}
	if err := json.Unmarshal([]byte(images), &note.Images); err != nil {
		return Note{}, err
	}
	note.Images = nonNilImages(note.Images)
	note.CreatedAt = parseTime(createdAt)
	note.UpdatedAt = parseTime(updatedAt)
	return note, nil
}

func scanReaction(row rowScanner) (Reaction, error) {
	var reaction Reaction
	var createdAt, updatedAt string
	if err := row.Scan(&reaction.ID, &reaction.NoteID, &reaction.IdentityID, &reaction.Symbol, &createdAt, &updatedAt); err != nil {
		return Reaction{}, err
	}
	reaction.CreatedAt = parseTime(createdAt)
	reaction.UpdatedAt = parseTime(updatedAt)
	return reaction, nil
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func nonNilImages(images []string) []string {
	if images == nil {
		return []string{}
	}
	return images
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// rebindNumbered turns $1-style placeholders into SQLite's ?1 form.
func rebindNumbered(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
