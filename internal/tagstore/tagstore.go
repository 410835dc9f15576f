// Package tagstore keeps the resource tags this node publishes and wants in
// a local sqlite database shared by the daemon and the CLI.
package tagstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"meshcdn/internal/proto"
)

type Kind string

const (
	KindPublish Kind = "publish"
	KindWant    Kind = "want"
)

func (k Kind) valid() bool {
	return k == KindPublish || k == KindWant
}

var ErrBadKind = errors.New("unknown tag kind")

const schema = `
CREATE TABLE IF NOT EXISTS tags(
	kind TEXT NOT NULL,
	engine TEXT NOT NULL,
	algorithm INTEGER NOT NULL,
	hash TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	added_at INTEGER NOT NULL,
	PRIMARY KEY(kind, engine, algorithm, hash)
);
CREATE INDEX IF NOT EXISTS idx_tags_hash ON tags(hash);`

type Entry struct {
	Kind    Kind              `json:"kind"`
	Tag     proto.ResourceTag `json:"tag"`
	Source  string            `json:"source,omitempty"`
	AddedAt time.Time         `json:"added_at"`
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) add(ctx context.Context, kind Kind, tag proto.ResourceTag, source string) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %q", ErrBadKind, kind)
	}
	if err := tag.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tags(kind, engine, algorithm, hash, source, added_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(kind, engine, algorithm, hash) DO UPDATE SET source=excluded.source`,
		string(kind), tag.EngineName, int(tag.Hash.Algorithm), tag.Hash.String(), source, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("add %s tag: %w", kind, err)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, kind Kind, tag proto.ResourceTag) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tags WHERE kind=? AND engine=? AND algorithm=? AND hash=?`,
		string(kind), tag.EngineName, int(tag.Hash.Algorithm), tag.Hash.String())
	if err != nil {
		return false, fmt.Errorf("remove %s tag: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Publish(ctx context.Context, tag proto.ResourceTag) error {
	return s.add(ctx, KindPublish, tag, "")
}

func (s *Store) Want(ctx context.Context, tag proto.ResourceTag) error {
	return s.add(ctx, KindWant, tag, "")
}

func (s *Store) Unpublish(ctx context.Context, tag proto.ResourceTag) (bool, error) {
	return s.remove(ctx, KindPublish, tag)
}

func (s *Store) Unwant(ctx context.Context, tag proto.ResourceTag) (bool, error) {
	return s.remove(ctx, KindWant, tag)
}

// PublishFile hashes the file at path and publishes it under engine.
func (s *Store) PublishFile(ctx context.Context, engine, path string) (proto.ResourceTag, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return proto.ResourceTag{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return proto.ResourceTag{}, err
	}
	defer f.Close()
	h, err := proto.HashReader(f)
	if err != nil {
		return proto.ResourceTag{}, err
	}
	tag := proto.ResourceTag{EngineName: engine, Hash: h}
	if err := s.add(ctx, KindPublish, tag, abs); err != nil {
		return proto.ResourceTag{}, err
	}
	return tag, nil
}

// List returns entries of kind in insertion order; an empty kind lists both.
func (s *Store) List(ctx context.Context, kind Kind) ([]Entry, error) {
	query := `SELECT kind, engine, algorithm, hash, source, added_at FROM tags`
	var args []any
	if kind != "" {
		if !kind.valid() {
			return nil, fmt.Errorf("%w: %q", ErrBadKind, kind)
		}
		query += ` WHERE kind=?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY added_at, rowid`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			k, engine, hash, source string
			algorithm               int
			addedAt                 int64
		)
		if err := rows.Scan(&k, &engine, &algorithm, &hash, &source, &addedAt); err != nil {
			return nil, err
		}
		h, err := proto.ParseHash(hash)
		if err != nil {
			continue
		}
		h.Algorithm = uint8(algorithm)
		out = append(out, Entry{
			Kind:    Kind(k),
			Tag:     proto.ResourceTag{EngineName: engine, Hash: h},
			Source:  source,
			AddedAt: time.Unix(0, addedAt).UTC(),
		})
	}
	return out, rows.Err()
}

func (s *Store) Tags(ctx context.Context, kind Kind) ([]proto.ResourceTag, error) {
	entries, err := s.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]proto.ResourceTag, len(entries))
	for i, e := range entries {
		out[i] = e.Tag
	}
	return out, nil
}
