package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the last known state of a stage run for one issue.
type Record struct {
	Issue     int       `json:"issue"`
	Stage     string    `json:"stage"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// Store keeps one JSON file per issue under dir.
type Store struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func (s *Store) path(issue int) string {
	return filepath.Join(s.dir, fmt.Sprintf("issue-%d.json", issue))
}

// Get returns the record for issue, or nil when none exists.
func (s *Store) Get(ctx context.Context, issue int) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(issue)
}

func (s *Store) IsWorkflowInProgress(ctx context.Context, issue int) (bool, error) {
	rec, err := s.Get(ctx, issue)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Status == StatusRunning, nil
}

// Begin marks a stage run as started. It fails if another run for the
// same issue is still marked running.
func (s *Store) Begin(ctx context.Context, issue int, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(issue)
	if err != nil {
		return err
	}
	if rec != nil && rec.Status == StatusRunning {
		return fmt.Errorf("issue #%d already running %s since %s", issue, rec.Stage, rec.StartedAt.Format(time.RFC3339))
	}
	now := s.now().UTC()
	return s.write(&Record{
		Issue:     issue,
		Stage:     stage,
		Status:    StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	})
}

func (s *Store) Complete(ctx context.Context, issue int) error {
	return s.finish(issue, StatusCompleted, nil)
}

func (s *Store) Fail(ctx context.Context, issue int, cause error) error {
	return s.finish(issue, StatusFailed, cause)
}

func (s *Store) finish(issue int, status Status, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.read(issue)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("issue #%d has no checkpoint", issue)
	}
	rec.Status = status
	rec.UpdatedAt = s.now().UTC()
	rec.Error = ""
	if cause != nil {
		rec.Error = cause.Error()
	}
	return s.write(rec)
}

// Reset deletes the issue's checkpoint. A missing checkpoint is not an
// error.
func (s *Store) Reset(ctx context.Context, issue int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(issue)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint for #%d: %w", issue, err)
	}
	return nil
}

func (s *Store) read(issue int) (*Record, error) {
	data, err := os.ReadFile(s.path(issue))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint for #%d: %w", issue, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode checkpoint for #%d: %w", issue, err)
	}
	return &rec, nil
}

func (s *Store) write(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".issue-%d-*.tmp", rec.Issue))
	if err != nil {
		return fmt.Errorf("write checkpoint for #%d: %w", rec.Issue, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint for #%d: %w", rec.Issue, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write checkpoint for #%d: %w", rec.Issue, err)
	}
	if err := os.Rename(tmp.Name(), s.path(rec.Issue)); err != nil {
		return fmt.Errorf("write checkpoint for #%d: %w", rec.Issue, err)
	}
	return nil
}
