package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"rental_ingest/models"
)

// MemoryStore keeps everything in process. Used by tests and -dry-run.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*models.Run
	listings map[string]*models.Listing
	settings models.Settings
	commands []models.Command
	nextCmd  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*models.Run),
		listings: make(map[string]*models.Listing),
		settings: models.Settings{},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("update run %s: %w", run.ID, ErrNotFound)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return run.Clone(), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	runs := s.sortedRuns(func(*models.Run) bool { return true })
	// newest first
	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) ListRunsByStatus(ctx context.Context, status models.RunStatus) ([]models.Run, error) {
	return s.sortedRuns(func(r *models.Run) bool { return r.Status == status }), nil
}

func (s *MemoryStore) sortedRuns(keep func(*models.Run) bool) []models.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []models.Run
	for _, r := range s.runs {
		if keep(r) {
			runs = append(runs, *r.Clone())
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs
}

func (s *MemoryStore) GetListingByFingerprint(ctx context.Context, fingerprint string) (*models.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[fingerprint]
	if !ok {
		return nil, nil
	}
	return cloneListing(l), nil
}

func (s *MemoryStore) CreateListing(ctx context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listings[l.Fingerprint]; ok {
		return nil
	}
	s.listings[l.Fingerprint] = cloneListing(l)
	return nil
}

func (s *MemoryStore) UpdateListing(ctx context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.listings[l.Fingerprint]
	if !ok {
		return fmt.Errorf("update listing %s: %w", l.Fingerprint, ErrNotFound)
	}
	updated := cloneListing(existing)
	updated.URL = l.URL
	if l.Description != "" {
		updated.Description = l.Description
	}
	updated.Photos = append([]string(nil), l.Photos...)
	if l.PostedAt != nil {
		t := *l.PostedAt
		updated.PostedAt = &t
	}
	updated.ScrapedAt = l.ScrapedAt
	updated.UpdatedAt = l.UpdatedAt
	s.listings[l.Fingerprint] = updated
	return nil
}

func (s *MemoryStore) CountListings(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listings), nil
}

// Listings returns a snapshot of every stored listing ordered by creation.
func (s *MemoryStore) Listings() []models.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, *cloneListing(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneListing(l *models.Listing) *models.Listing {
	cp := *l
	cp.Photos = append([]string(nil), l.Photos...)
	if l.SourceID != nil {
		v := *l.SourceID
		cp.SourceID = &v
	}
	if l.PostedAt != nil {
		t := *l.PostedAt
		cp.PostedAt = &t
	}
	return &cp
}

func (s *MemoryStore) GetSettings(ctx context.Context) (models.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(models.Settings, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemoryStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCmd++
	s.commands = append(s.commands, models.Command{
		ID:        s.nextCmd,
		Command:   cmd,
		Params:    append(json.RawMessage(nil), params...),
		CreatedAt: time.Now(),
	})
	return s.nextCmd, nil
}

func (s *MemoryStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []models.Command
	for _, c := range s.commands {
		if c.ProcessedAt == nil {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

func (s *MemoryStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.commands {
		if s.commands[i].ID == id {
			now := time.Now()
			s.commands[i].ProcessedAt = &now
			return nil
		}
	}
	return fmt.Errorf("command %d: %w", id, ErrNotFound)
}
