package upload

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/PackCam/internal/model"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("upload task not found")

// Registry tracks in-flight upload tasks. RWMutex lets status readers run
// alongside each other while uploads report progress.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*model.UploadTask
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*model.UploadTask)}
}

// Add registers a pending task for rec and returns a copy.
func (r *Registry) Add(rec model.Recording, auto bool) model.UploadTask {
	now := time.Now().UTC()
	task := &model.UploadTask{
		ID:        uuid.NewString(),
		OrderID:   rec.OrderID,
		VideoPath: rec.Path,
		FileName:  filepath.Base(rec.Path),
		Status:    model.StatusPending,
		Auto:      auto,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return *task
}

// SetProgress stores a clamped progress fraction.
func (r *Registry) SetProgress(id string, frac float64) error {
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Progress = frac
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStatus moves a task to status, recording msg as the error text for
// failures.
func (r *Registry) SetStatus(id string, status model.UploadStatus, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.Error = msg
	if status == model.StatusDone {
		t.Progress = 1
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy so callers cannot mutate the registry's state.
func (r *Registry) Get(id string) (*model.UploadTask, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// List returns copies of every task, oldest first.
func (r *Registry) List() []model.UploadTask {
	r.mu.RLock()
	out := make([]model.UploadTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Remove forgets a task.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Aggregate is the mean progress across registered tasks, 0 when empty.
func (r *Registry) Aggregate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tasks) == 0 {
		return 0
	}
	var sum float64
	for _, t := range r.tasks {
		sum += t.Progress
	}
	return sum / float64(len(r.tasks))
}
