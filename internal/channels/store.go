// Package channels is the SQLite-backed store of guide sources and user
// channels that the refresh and auto-mapping code works against.
package channels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/snapetech/epgmux/internal/epglink"
	"github.com/snapetech/epgmux/internal/refresh"
	"github.com/snapetech/epgmux/internal/safeurl"
)

var (
	ErrNotFound  = errors.New("channels: not found")
	ErrDuplicate = errors.New("channels: source name already exists")
	ErrInvalid   = errors.New("channels: name and url required")
)

const schema = `
CREATE TABLE IF NOT EXISTS epg_sources (
  id   INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  url  TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS epg_sources_name ON epg_sources(name);
CREATE TABLE IF NOT EXISTS channels (
  id          INTEGER PRIMARY KEY,
  source_type TEXT,
  name        TEXT NOT NULL,
  number      INTEGER,
  tvg_id      TEXT,
  epg_source  TEXT,
  enabled     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS channels_source_type ON channels(source_type);
`

type Source struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Channel struct {
	ID         int64  `json:"id"`
	SourceType string `json:"source_type,omitempty"`
	Name       string `json:"name"`
	TVGID      string `json:"tvg_id,omitempty"`
	EPGSource  string `json:"epg_source,omitempty"`
}

// ForMatch converts to the matcher's channel view.
func (c Channel) ForMatch() epglink.Channel {
	return epglink.Channel{ID: c.ID, Name: c.Name, TVGID: c.TVGID, EPGSource: c.EPGSource}
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open channel db: %w", err)
	}
	// One writer at a time; modernc serialises anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate channel db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ─── guide sources ───────────────────────────────────────────────────────────

func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url FROM epg_sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.Name, &src.URL); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// RefreshSources lists sources in the shape the orchestrator takes.
func (s *Store) RefreshSources(ctx context.Context) ([]refresh.Source, error) {
	list, err := s.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]refresh.Source, len(list))
	for i, src := range list {
		out[i] = refresh.Source{Name: src.Name, URL: src.URL}
	}
	return out, nil
}

func validateSource(name, url string) (string, string, error) {
	name, url = strings.TrimSpace(name), strings.TrimSpace(url)
	if name == "" || url == "" {
		return "", "", ErrInvalid
	}
	if err := safeurl.Check(url); err != nil {
		return "", "", err
	}
	return name, url, nil
}

// AddSource inserts a new source; ErrDuplicate when the name is taken.
func (s *Store) AddSource(ctx context.Context, name, url string) (Source, error) {
	name, url, err := validateSource(name, url)
	if err != nil {
		return Source{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Source{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM epg_sources WHERE name = ?`, name).Scan(&existing)
	switch {
	case err == nil:
		return Source{}, fmt.Errorf("%w: %q", ErrDuplicate, name)
	case !errors.Is(err, sql.ErrNoRows):
		return Source{}, fmt.Errorf("lookup source: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO epg_sources (name, url) VALUES (?, ?)`, name, url)
	if err != nil {
		return Source{}, fmt.Errorf("insert source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Source{}, err
	}
	if err := tx.Commit(); err != nil {
		return Source{}, err
	}
	return Source{ID: id, Name: name, URL: url}, nil
}

// UpsertSource inserts or updates the URL of a source by name.
func (s *Store) UpsertSource(ctx context.Context, name, url string) error {
	name, url, err := validateSource(name, url)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO epg_sources (name, url) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET url = excluded.url`,
		name, url)
	if err != nil {
		return fmt.Errorf("upsert source %q: %w", name, err)
	}
	return nil
}

// ─── channels ────────────────────────────────────────────────────────────────

// ListChannels returns channels ordered by name, optionally only those of
// one source type.
func (s *Store) ListChannels(ctx context.Context, sourceType string) ([]Channel, error) {
	q := `SELECT id, COALESCE(source_type, ''), name, COALESCE(tvg_id, ''), COALESCE(epg_source, '') FROM channels`
	var args []any
	if sourceType != "" {
		q += ` WHERE source_type = ?`
		args = append(args, sourceType)
	}
	q += ` ORDER BY name, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ID, &c.SourceType, &c.Name, &c.TVGID, &c.EPGSource); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetChannel(ctx context.Context, id int64) (Channel, error) {
	c := Channel{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(source_type, ''), name, COALESCE(tvg_id, ''), COALESCE(epg_source, '') FROM channels WHERE id = ?`, id).
		Scan(&c.SourceType, &c.Name, &c.TVGID, &c.EPGSource)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("get channel %d: %w", id, err)
	}
	return c, nil
}

// AddChannel inserts a channel and returns its id.
func (s *Store) AddChannel(ctx context.Context, c Channel) (int64, error) {
	if strings.TrimSpace(c.Name) == "" {
		return 0, fmt.Errorf("channels: name required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (source_type, name, tvg_id, epg_source) VALUES (?, ?, ?, ?)`,
		nullable(c.SourceType), c.Name, nullable(c.TVGID), nullable(c.EPGSource))
	if err != nil {
		return 0, fmt.Errorf("insert channel: %w", err)
	}
	return res.LastInsertId()
}

// AssignEPG stores a guide identifier and source label on a channel. An empty
// label clears the label column.
func (s *Store) AssignEPG(ctx context.Context, channelID int64, tvgID, label string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET tvg_id = ?, epg_source = ? WHERE id = ?`,
		nullable(tvgID), nullable(label), channelID)
	if err != nil {
		return fmt.Errorf("assign epg to channel %d: %w", channelID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
