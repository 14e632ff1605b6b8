// Package backup snapshots the in-memory participant registry so that a
// restarted standalone relay can still honour resume tokens.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/backup"

	"go.uber.org/zap"
)

const snapshotVersion = 1

type registrySnapshot struct {
	Version      int                   `json:"version"`
	TakenAt      time.Time             `json:"takenAt"`
	Participants []*domain.Participant `json:"participants"`
}

type Config struct {
	Interval time.Duration
	Keep     int
	// MaxAge is the resume grace; older snapshots hold nobody worth restoring.
	MaxAge time.Duration
}

type Snapshotter struct {
	store  *backup.Store
	repo   ports.ParticipantRepository
	cfg    Config
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewSnapshotter(store *backup.Store, repo ports.ParticipantRepository, cfg Config, logger *zap.SugaredLogger) *Snapshotter {
	return &Snapshotter{
		store:  store,
		repo:   repo,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// Snapshot writes the whole registry and prunes old snapshots.
func (s *Snapshotter) Snapshot(ctx context.Context) error {
	participants, err := s.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list participants: %w", err)
	}

	data, err := json.Marshal(registrySnapshot{
		Version:      snapshotVersion,
		TakenAt:      s.now(),
		Participants: participants,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	name, err := s.store.Save(ctx, data)
	if err != nil {
		return err
	}
	pruned, err := s.store.Prune(ctx, s.cfg.Keep)
	if err != nil {
		s.logger.Warnw("failed to prune snapshots", "error", err)
	}

	s.logger.Debugw("registry snapshot written",
		"name", name,
		"participants", len(participants),
		"pruned", pruned,
	)
	return nil
}

// Restore loads the newest snapshot into the registry. Everyone comes back
// detached: their sockets died with the previous process, and only a resume
// or the sweeper decides what happens to them next.
func (s *Snapshotter) Restore(ctx context.Context) (int, error) {
	data, _, err := s.store.Latest(ctx)
	if errors.Is(err, backup.ErrNoSnapshot) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var snap registrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	now := s.now()
	if now.Sub(snap.TakenAt) > s.cfg.MaxAge {
		s.logger.Infow("ignoring stale registry snapshot",
			"taken_at", snap.TakenAt,
			"max_age", s.cfg.MaxAge,
		)
		return 0, nil
	}

	restored := 0
	for _, p := range snap.Participants {
		if !p.Detached {
			p.Detached = true
			p.DetachedAt = now
		}
		if err := s.repo.Add(ctx, p); err != nil {
			s.logger.Warnw("failed to restore participant",
				"participant_id", p.ID,
				"error", err,
			)
			continue
		}
		restored++
	}

	s.logger.Infow("registry restored from snapshot",
		"taken_at", snap.TakenAt,
		"participants", restored,
	)
	return restored, nil
}

// Run snapshots every interval until ctx ends, then writes a final one.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Snapshot(final); err != nil {
				s.logger.Warnw("final registry snapshot failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Snapshot(ctx); err != nil {
				s.logger.Warnw("registry snapshot failed", "error", err)
			}
		}
	}
}
