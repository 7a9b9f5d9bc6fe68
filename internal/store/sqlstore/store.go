// Package sqlstore provides a SQLite-backed store and search index that
// publish change batches through a change feed.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"newsview/internal/changefeed"
	"newsview/pkg/newsview"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const schema = `
CREATE TABLE IF NOT EXISTS news (
	id        INTEGER PRIMARY KEY,
	parent_id INTEGER NOT NULL DEFAULT 0,
	state     TEXT    NOT NULL,
	sticky    INTEGER NOT NULL DEFAULT 0,
	source    TEXT    NOT NULL DEFAULT '',
	title     TEXT    NOT NULL DEFAULT '',
	link      TEXT    NOT NULL DEFAULT '',
	author    TEXT    NOT NULL DEFAULT '',
	published INTEGER NOT NULL DEFAULT 0,
	modified  INTEGER NOT NULL DEFAULT 0,
	labels    TEXT    NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_news_source ON news(parent_id, source, state);

CREATE TABLE IF NOT EXISTS bin_members (
	bin_id  INTEGER NOT NULL,
	news_id INTEGER NOT NULL,
	PRIMARY KEY (bin_id, news_id)
);

CREATE TABLE IF NOT EXISTS saved_searches (
	id          TEXT    PRIMARY KEY,
	query       TEXT    NOT NULL DEFAULT '',
	sticky_only INTEGER NOT NULL DEFAULT 0
);
`

const newsColumns = `id, parent_id, state, sticky, source, title, link, author, published, modified, labels`

// SavedSearch is one saved search definition evaluated with LIKE queries.
type SavedSearch struct {
	// ID is the saved search identifier.
	ID string
	// Query is matched case-insensitively against title and author.
	Query string
	// StickyOnly restricts matches to flagged items.
	StickyOnly bool
}

// Option mutates store construction configuration.
type Option func(*Store)

// WithFeed injects the change feed used to publish batches.
func WithFeed(feed *changefeed.Feed) Option {
	return func(store *Store) {
		if feed != nil {
			store.feed = feed
		}
	}
}

// Store is a Store and SearchIndex persisted in SQLite.
type Store struct {
	db   *sql.DB
	feed *changefeed.Feed
}

// Open opens or creates the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlstore open: empty dsn")
	}

	db, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore open %s: %w", dsn, err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlstore pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore migrate: %w", err)
	}

	store := &Store{db: db}
	for _, option := range options {
		option(store)
	}
	if store.feed == nil {
		store.feed = changefeed.New()
	}

	return store, nil
}

// Feed exposes the change feed the store publishes to.
func (s *Store) Feed() *changefeed.Feed {
	return s.feed
}

// Close shuts down the change feed and the database.
func (s *Store) Close(ctx context.Context) error {
	var errs []error
	if err := s.feed.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("sqlstore close: %w", errors.Join(errs...))
	}

	return nil
}

// DefineSearch registers or replaces a saved search.
func (s *Store) DefineSearch(ctx context.Context, search SavedSearch) error {
	if strings.TrimSpace(search.ID) == "" {
		return fmt.Errorf("sqlstore define search: empty id")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO saved_searches (id, query, sticky_only) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET query = excluded.query, sticky_only = excluded.sticky_only`,
		search.ID, search.Query, boolToInt(search.StickyOnly),
	)
	if err != nil {
		return fmt.Errorf("sqlstore define search %s: %w", search.ID, err)
	}

	return nil
}

// Add persists new entities and publishes one ADDED batch.
// Entities with ID 0 get the next free id; bin entities join the bin index.
func (s *Store) Add(ctx context.Context, snapshots ...newsview.EntitySnapshot) ([]int64, error) {
	for _, snapshot := range snapshots {
		if err := snapshot.State.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore add: %w", err)
		}
	}

	ids := make([]int64, 0, len(snapshots))
	events := make([]newsview.ChangeEvent, 0, len(snapshots))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, snapshot := range snapshots {
			id, err := insertNews(ctx, tx, snapshot)
			if err != nil {
				return err
			}
			snapshot.ID = id
			if snapshot.ParentID != 0 {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR IGNORE INTO bin_members (bin_id, news_id) VALUES (?, ?)`,
					snapshot.ParentID, id,
				); err != nil {
					return fmt.Errorf("index bin %d member %d: %w", snapshot.ParentID, id, err)
				}
			}

			added := snapshot.Clone()
			ids = append(ids, id)
			events = append(events, newsview.ChangeEvent{EntityID: id, Kind: newsview.ChangeAdded, New: &added})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore add: %w", err)
	}

	if err := s.feed.Publish(ctx, newsview.EntityKindNews, events); err != nil {
		return ids, fmt.Errorf("sqlstore add publish: %w", err)
	}

	return ids, nil
}

// Update replaces existing entities and publishes one UPDATED batch.
func (s *Store) Update(ctx context.Context, snapshots ...newsview.EntitySnapshot) error {
	for _, snapshot := range snapshots {
		if err := snapshot.State.Validate(); err != nil {
			return fmt.Errorf("sqlstore update: %w", err)
		}
	}

	events := make([]newsview.ChangeEvent, 0, len(snapshots))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, snapshot := range snapshots {
			previous, err := loadNews(ctx, tx, snapshot.ID)
			if err != nil {
				return err
			}
			labels, err := encodeLabels(snapshot.Labels)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE news SET parent_id = ?, state = ?, sticky = ?, source = ?, title = ?, link = ?,
				 author = ?, published = ?, modified = ?, labels = ? WHERE id = ?`,
				snapshot.ParentID, string(snapshot.State), boolToInt(snapshot.Sticky), snapshot.Source,
				snapshot.Title, snapshot.Link, snapshot.Author, encodeTime(snapshot.Published),
				encodeTime(snapshot.Modified), labels, snapshot.ID,
			); err != nil {
				return fmt.Errorf("update %d: %w", snapshot.ID, err)
			}

			old := previous
			current := snapshot.Clone()
			events = append(events, newsview.ChangeEvent{EntityID: snapshot.ID, Kind: newsview.ChangeUpdated, Old: &old, New: &current})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlstore update: %w", err)
	}

	if err := s.feed.Publish(ctx, newsview.EntityKindNews, events); err != nil {
		return fmt.Errorf("sqlstore update publish: %w", err)
	}

	return nil
}

// SetState moves entities to state and publishes one UPDATED batch.
func (s *Store) SetState(ctx context.Context, state newsview.VisibilityState, ids ...int64) error {
	updated := make([]newsview.EntitySnapshot, 0, len(ids))
	for _, id := range ids {
		snapshot, err := loadNews(ctx, s.db, id)
		if err != nil {
			return fmt.Errorf("sqlstore set state: %w", err)
		}
		snapshot.State = state
		updated = append(updated, snapshot)
	}

	return s.Update(ctx, updated...)
}

// Remove deletes entities physically and publishes one REMOVED batch.
// Bin index rows are left in place, the way a lagging index would.
func (s *Store) Remove(ctx context.Context, ids ...int64) error {
	events := make([]newsview.ChangeEvent, 0, len(ids))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			previous, err := loadNews(ctx, tx, id)
			if errors.Is(err, newsview.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM news WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete %d: %w", id, err)
			}
			old := previous
			events = append(events, newsview.ChangeEvent{EntityID: id, Kind: newsview.ChangeRemoved, Old: &old})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlstore remove: %w", err)
	}

	if err := s.feed.Publish(ctx, newsview.EntityKindNews, events); err != nil {
		return fmt.Errorf("sqlstore remove publish: %w", err)
	}

	return nil
}

// CopyToBin copies entities into a bin and publishes the copies as one ADDED batch.
func (s *Store) CopyToBin(ctx context.Context, binID int64, ids ...int64) ([]int64, error) {
	if binID <= 0 {
		return nil, fmt.Errorf("sqlstore copy to bin: bin id must be positive")
	}

	copies := make([]newsview.EntitySnapshot, 0, len(ids))
	for _, id := range ids {
		snapshot, err := loadNews(ctx, s.db, id)
		if err != nil {
			return nil, fmt.Errorf("sqlstore copy %d to bin %d: %w", id, binID, err)
		}
		snapshot.ID = 0
		snapshot.ParentID = binID
		copies = append(copies, snapshot)
	}

	return s.Add(ctx, copies...)
}

// ResolveMembers lists single-source or bin members in one of states.
func (s *Store) ResolveMembers(
	ctx context.Context,
	view newsview.ViewDescriptor,
	states []newsview.VisibilityState,
) ([]newsview.EntityRef, error) {
	if len(states) == 0 {
		return []newsview.EntityRef{}, nil
	}
	placeholders, stateValues := stateArgs(states)

	var (
		query string
		args  []any
	)
	switch view.Kind {
	case newsview.ViewKindSingleSource:
		query = `SELECT id FROM news WHERE parent_id = 0 AND source = ? AND state IN (` + placeholders + `) ORDER BY id`
		args = append([]any{view.Target}, stateValues...)
	case newsview.ViewKindBin:
		// Dangling index rows are returned; callers skip what they cannot resolve.
		query = `SELECT m.news_id FROM bin_members m LEFT JOIN news n ON n.id = m.news_id
			WHERE m.bin_id = ? AND (n.id IS NULL OR n.state IN (` + placeholders + `)) ORDER BY m.news_id`
		args = append([]any{view.BinID}, stateValues...)
	default:
		return nil, fmt.Errorf("sqlstore resolve members %s: unsupported view kind", view)
	}

	refs, err := s.queryRefs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore resolve members %s: %w", view, err)
	}

	return refs, nil
}

// ResolveOne loads one entity.
func (s *Store) ResolveOne(ctx context.Context, ref newsview.EntityRef) (newsview.EntitySnapshot, error) {
	snapshot, err := loadNews(ctx, s.db, ref.ID)
	if err != nil {
		return newsview.EntitySnapshot{}, fmt.Errorf("sqlstore resolve: %w", err)
	}

	return snapshot, nil
}

// Search evaluates a saved search against the stored entities.
func (s *Store) Search(
	ctx context.Context,
	searchID string,
	states []newsview.VisibilityState,
) ([]newsview.EntityRef, error) {
	var (
		query      string
		stickyOnly int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT query, sticky_only FROM saved_searches WHERE id = ?`, searchID,
	).Scan(&query, &stickyOnly)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore search %s: unknown saved search", searchID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore search %s: %w", searchID, err)
	}
	if len(states) == 0 {
		return []newsview.EntityRef{}, nil
	}

	placeholders, args := stateArgs(states)
	statement := `SELECT id FROM news WHERE state IN (` + placeholders + `)`
	if stickyOnly != 0 {
		statement += ` AND sticky = 1`
	}
	if term := strings.ToLower(strings.TrimSpace(query)); term != "" {
		pattern := "%" + escapeLike(term) + "%"
		statement += ` AND (lower(title) LIKE ? ESCAPE '\' OR lower(author) LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern)
	}
	statement += ` ORDER BY id`

	refs, err := s.queryRefs(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore search %s: %w", searchID, err)
	}

	return refs, nil
}

// Subscribe registers listener on the store change feed.
func (s *Store) Subscribe(
	ctx context.Context,
	kind newsview.EntityKind,
	listener newsview.BatchListener,
) (newsview.Subscription, error) {
	subscription, err := s.feed.Subscribe(ctx, kind, listener)
	if err != nil {
		return nil, fmt.Errorf("sqlstore subscribe: %w", err)
	}

	return subscription, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

func (s *Store) queryRefs(ctx context.Context, query string, args ...any) ([]newsview.EntityRef, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make([]newsview.EntityRef, 0)
	for rows.Next() {
		var ref newsview.EntityRef
		if err := rows.Scan(&ref.ID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}

	return refs, rows.Err()
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertNews(ctx context.Context, db execQueryer, snapshot newsview.EntitySnapshot) (int64, error) {
	labels, err := encodeLabels(snapshot.Labels)
	if err != nil {
		return 0, err
	}

	var id any
	if snapshot.ID != 0 {
		id = snapshot.ID
	}
	result, err := db.ExecContext(ctx,
		`INSERT INTO news (`+newsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, snapshot.ParentID, string(snapshot.State), boolToInt(snapshot.Sticky), snapshot.Source,
		snapshot.Title, snapshot.Link, snapshot.Author, encodeTime(snapshot.Published),
		encodeTime(snapshot.Modified), labels,
	)
	if err != nil {
		return 0, fmt.Errorf("insert %d: %w", snapshot.ID, err)
	}
	if snapshot.ID != 0 {
		return snapshot.ID, nil
	}

	inserted, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert id: %w", err)
	}

	return inserted, nil
}

func loadNews(ctx context.Context, db execQueryer, id int64) (newsview.EntitySnapshot, error) {
	var (
		snapshot  newsview.EntitySnapshot
		state     string
		sticky    int
		published int64
		modified  int64
		labels    string
	)
	err := db.QueryRowContext(ctx, `SELECT `+newsColumns+` FROM news WHERE id = ?`, id).Scan(
		&snapshot.ID, &snapshot.ParentID, &state, &sticky, &snapshot.Source, &snapshot.Title,
		&snapshot.Link, &snapshot.Author, &published, &modified, &labels,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return newsview.EntitySnapshot{}, fmt.Errorf("load %d: %w", id, newsview.ErrNotFound)
	}
	if err != nil {
		return newsview.EntitySnapshot{}, fmt.Errorf("load %d: %w", id, err)
	}

	snapshot.State = newsview.VisibilityState(state)
	snapshot.Sticky = sticky != 0
	snapshot.Published = decodeTime(published)
	snapshot.Modified = decodeTime(modified)
	if err := json.Unmarshal([]byte(labels), &snapshot.Labels); err != nil {
		return newsview.EntitySnapshot{}, fmt.Errorf("load %d labels: %w", id, err)
	}
	if len(snapshot.Labels) == 0 {
		snapshot.Labels = nil
	}

	return snapshot, nil
}

func stateArgs(states []newsview.VisibilityState) (string, []any) {
	args := make([]any, len(states))
	for idx, state := range states {
		args[idx] = string(state)
	}

	return strings.TrimSuffix(strings.Repeat("?,", len(states)), ","), args
}

func encodeLabels(labels []string) (string, error) {
	if len(labels) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("encode labels: %w", err)
	}

	return string(raw), nil
}

func encodeTime(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}

	return value.UTC().UnixNano()
}

func decodeTime(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}

	return time.Unix(0, value).UTC()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}

	return 0
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}
