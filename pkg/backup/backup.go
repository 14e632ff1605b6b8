// Package backup keeps timestamped snapshots in a Storage and finds the
// newest one again.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

var ErrNoSnapshot = errors.New("no snapshot found")

const timeLayout = "20060102-150405.000"

// Storage is a flat namespace of named blobs.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Store names snapshots <prefix>-<utc timestamp>.json so that lexical and
// chronological order agree.
type Store struct {
	storage Storage
	prefix  string
	now     func() time.Time
}

func NewStore(storage Storage, prefix string) *Store {
	return &Store{storage: storage, prefix: prefix, now: time.Now}
}

func (s *Store) Save(ctx context.Context, data []byte) (string, error) {
	name := fmt.Sprintf("%s-%s.json", s.prefix, s.now().UTC().Format(timeLayout))
	if err := s.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to save snapshot %s: %w", name, err)
	}
	return name, nil
}

// Latest returns the newest snapshot and when it was taken.
func (s *Store) Latest(ctx context.Context) ([]byte, time.Time, error) {
	names, err := s.list(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(names) == 0 {
		return nil, time.Time{}, ErrNoSnapshot
	}
	name := names[len(names)-1]

	r, err := s.storage.Load(ctx, name)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load snapshot %s: %w", name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read snapshot %s: %w", name, err)
	}
	taken, _ := s.takenAt(name)
	return data, taken, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	names, err := s.list(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := 0; i < len(names)-keep; i++ {
		if err := s.storage.Delete(ctx, names[i]); err != nil {
			return deleted, fmt.Errorf("failed to delete snapshot %s: %w", names[i], err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) list(ctx context.Context) ([]string, error) {
	all, err := s.storage.List(ctx, s.prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	names := all[:0]
	for _, n := range all {
		if _, ok := s.takenAt(n); ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) takenAt(name string) (time.Time, bool) {
	ts := strings.TrimSuffix(strings.TrimPrefix(name, s.prefix+"-"), ".json")
	t, err := time.Parse(timeLayout, ts)
	return t, err == nil
}
