// Package checkpoint records the progress of graph build runs so an
// interrupted run can resume after its last completed step.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phases of a run.
const (
	PhaseRunning  = "running"
	PhaseFailed   = "failed"
	PhaseComplete = "complete"
)

// StepState is the recorded outcome of one pipeline step.
type StepState struct {
	Done        bool      `json:"done"`
	Created     int       `json:"created"`
	Updated     int       `json:"updated"`
	Deleted     int       `json:"deleted"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Checkpoint tracks one run.
type Checkpoint struct {
	ID        string               `json:"id"`
	InputPath string               `json:"input_path"`
	Store     string               `json:"store"`
	Phase     string               `json:"phase"`
	Steps     map[string]StepState `json:"steps"`
	StartedAt time.Time            `json:"started_at"`
	UpdatedAt time.Time            `json:"updated_at"`

	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	mu sync.Mutex
}

// New starts a checkpoint for a run over inputPath with a fresh ID.
func New(inputPath, store string) *Checkpoint {
	now := time.Now()
	return &Checkpoint{
		ID:        uuid.NewString(),
		InputPath: inputPath,
		Store:     store,
		Phase:     PhaseRunning,
		Steps:     make(map[string]StepState),
		StartedAt: now,
		UpdatedAt: now,
	}
}

// MarkStep records the outcome of a step.
func (c *Checkpoint) MarkStep(step string, st StepState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Steps == nil {
		c.Steps = make(map[string]StepState)
	}
	if st.Done && st.CompletedAt.IsZero() {
		st.CompletedAt = time.Now()
	}
	c.Steps[step] = st
	c.UpdatedAt = time.Now()
	if st.Error != "" {
		c.Phase = PhaseFailed
	}
}

// StepDone reports whether step completed successfully.
func (c *Checkpoint) StepDone(step string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Steps[step].Done
}

// ClearSteps forgets the given steps so they run again.
func (c *Checkpoint) ClearSteps(steps ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range steps {
		delete(c.Steps, s)
	}
	c.UpdatedAt = time.Now()
}

// Complete marks the run finished.
func (c *Checkpoint) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.Phase = PhaseComplete
	c.CompletedAt = &now
	c.UpdatedAt = now
}

// SetPhase updates the phase.
func (c *Checkpoint) SetPhase(phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Phase = phase
	c.UpdatedAt = time.Now()
}

// SetMetadata stores a free-form value.
func (c *Checkpoint) SetMetadata(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	c.Metadata[key] = value
}

// Duration returns the elapsed time of the run.
func (c *Checkpoint) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CompletedAt != nil {
		return c.CompletedAt.Sub(c.StartedAt)
	}
	return time.Since(c.StartedAt)
}

// Marshal serializes the checkpoint under its lock.
func (c *Checkpoint) Marshal() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(c)
}

// decode parses a stored checkpoint.
func decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Steps == nil {
		cp.Steps = make(map[string]StepState)
	}
	return &cp, nil
}

// --- Local file backend ---

// LocalBackend stores one JSON file per checkpoint in a directory.
type LocalBackend struct {
	dir string
}

// NewLocalBackend creates the directory if needed.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &LocalBackend{dir: dir}, nil
}

func (b *LocalBackend) path(id string) string {
	return filepath.Join(b.dir, id+".checkpoint")
}

// Save writes the checkpoint atomically via a temp file and rename.
func (b *LocalBackend) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := cp.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	tmp := b.path(cp.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path(cp.ID))
}

// Load reads a checkpoint. Missing checkpoints yield ErrNotFound.
func (b *LocalBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := os.ReadFile(b.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// Delete removes a checkpoint.
func (b *LocalBackend) Delete(ctx context.Context, id string) error {
	err := os.Remove(b.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns checkpoints whose ID starts with prefix, oldest first.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var out []*Checkpoint
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".checkpoint" || !strings.HasPrefix(name, prefix) {
			continue
		}
		cp, err := b.Load(ctx, strings.TrimSuffix(name, ".checkpoint"))
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// FindByInput returns the most recent incomplete checkpoint for inputPath.
func (b *LocalBackend) FindByInput(ctx context.Context, inputPath string) (*Checkpoint, error) {
	all, err := b.List(ctx, "")
	if err != nil {
		return nil, err
	}
	return latestIncomplete(all, inputPath)
}

// Name returns "file".
func (b *LocalBackend) Name() string { return "file" }

func latestIncomplete(all []*Checkpoint, inputPath string) (*Checkpoint, error) {
	var best *Checkpoint
	for _, cp := range all {
		if cp.InputPath != inputPath || cp.Phase == PhaseComplete {
			continue
		}
		if best == nil || cp.StartedAt.After(best.StartedAt) {
			best = cp
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}
