// Package store persists the node book: node profiles learned from operators
// and from the mesh, one JSON object per line.
package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"meshcdn/internal/proto"
)

const maxScanSize = 64 << 10

type NodeBook struct {
	path string
}

type diskProfile struct {
	Addresses []string  `json:"addresses"`
	Services  []string  `json:"services,omitempty"`
	AddedAt   time.Time `json:"added_at"`
}

func New(path string) *NodeBook {
	_ = os.MkdirAll(filepath.Dir(path), 0700)
	return &NodeBook{path: path}
}

func (b *NodeBook) Path() string {
	return b.path
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4*1024), maxScanSize)
	return sc
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func (b *NodeBook) Add(p proto.NodeProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	rec := diskProfile{Addresses: p.Addresses, Services: p.Services, AddedAt: time.Now().UTC()}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return err
	}
	return f.Sync()
}

// List returns distinct profiles in first-seen order. Malformed lines are
// skipped.
func (b *NodeBook) List() ([]proto.NodeProfile, error) {
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var out []proto.NodeProfile
	sc := newScanner(f)
	for sc.Scan() {
		var rec diskProfile
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		p := proto.NewNodeProfile(rec.Addresses, rec.Services)
		if len(p.Addresses) == 0 || p.Validate() != nil {
			continue
		}
		if _, ok := seen[p.Key()]; ok {
			continue
		}
		seen[p.Key()] = struct{}{}
		out = append(out, p)
	}
	return out, sc.Err()
}

// LoadLast returns at most limit of the most recently added distinct profiles.
func (b *NodeBook) LoadLast(limit int) ([]proto.NodeProfile, error) {
	all, err := b.List()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// Compact rewrites the book to hold exactly profiles.
func (b *NodeBook) Compact(profiles []proto.NodeProfile) error {
	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	now := time.Now().UTC()
	for _, p := range profiles {
		if p.Validate() != nil || len(p.Addresses) == 0 {
			continue
		}
		if err := enc.Encode(diskProfile{Addresses: p.Addresses, Services: p.Services, AddedAt: now}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename for windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return err
	}
	syncDir(b.path)
	return nil
}
