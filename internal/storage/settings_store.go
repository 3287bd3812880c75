package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/model"
)

// ErrTaskNotFound is returned when a task id is not present in the settings
var ErrTaskNotFound = errors.New("task not found")

// SettingsStore is the single entry point for reading and mutating settings
type SettingsStore interface {
	// Snapshot returns the current settings
	Snapshot(ctx context.Context) (model.Settings, error)

	// Update applies transform to the current settings under the store lock and
	// persists the result
	Update(ctx context.Context, transform func(model.Settings) model.Settings) (model.Settings, error)

	// Subscribe emits the current settings and then the latest settings after
	// every change. Intermediate snapshots may be skipped.
	Subscribe(ctx context.Context) <-chan model.Settings
}

// FileSettingsStore keeps settings in a JSON document on disk. An empty path
// keeps them in memory only.
type FileSettingsStore struct {
	logger  *zap.Logger
	path    string
	mu      sync.Mutex
	current model.Settings
	written []byte
	changes *broadcaster
}

// NewFileSettingsStore loads the settings document at path, starting empty if it does not exist
func NewFileSettingsStore(logger *zap.Logger, path string) (*FileSettingsStore, error) {
	s := &FileSettingsStore{
		logger:  logger.Named("settings-store"),
		path:    path,
		changes: newBroadcaster(),
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Info("Settings file not found, starting empty", zap.String("path", path))
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := json.Unmarshal(data, &s.current); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	s.written = data
	return s, nil
}

// Snapshot implements SettingsStore.Snapshot
func (s *FileSettingsStore) Snapshot(ctx context.Context) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone(), nil
}

// Update implements SettingsStore.Update
func (s *FileSettingsStore) Update(ctx context.Context, transform func(model.Settings) model.Settings) (model.Settings, error) {
	if err := ctx.Err(); err != nil {
		return model.Settings{}, err
	}

	s.mu.Lock()
	next := transform(s.current.Clone())
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return model.Settings{}, fmt.Errorf("failed to marshal settings: %w", err)
	}
	// an unchanged document is neither rewritten nor announced
	if bytes.Equal(data, s.written) {
		s.current = next
		s.mu.Unlock()
		return next.Clone(), nil
	}
	if err := s.persist(data); err != nil {
		s.mu.Unlock()
		return model.Settings{}, err
	}
	s.current = next
	s.mu.Unlock()

	s.changes.notify()
	return next.Clone(), nil
}

// UpdateTask rewrites a single task in place. Other tasks are untouched.
func (s *FileSettingsStore) UpdateTask(ctx context.Context, id string, transform func(model.ScheduledTask) model.ScheduledTask) error {
	return UpdateTask(ctx, s, id, transform)
}

// Subscribe implements SettingsStore.Subscribe
func (s *FileSettingsStore) Subscribe(ctx context.Context) <-chan model.Settings {
	out := make(chan model.Settings, 1)
	changed, unsubscribe := s.changes.subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			snapshot, _ := s.Snapshot(ctx)
			select {
			case out <- snapshot:
			case <-ctx.Done():
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Watch reloads the document when another process edits it and blocks until
// ctx is done.
func (s *FileSettingsStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch settings directory: %w", err)
	}
	s.logger.Info("Watching settings file", zap.String("path", s.path))

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("Failed to reload settings", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("Settings watcher error", zap.Error(err))
		}
	}
}

// reload re-reads the document, ignoring content this store wrote itself.
func (s *FileSettingsStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	s.mu.Lock()
	if bytes.Equal(data, s.written) {
		s.mu.Unlock()
		return nil
	}
	var next model.Settings
	if err := json.Unmarshal(data, &next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to parse settings: %w", err)
	}
	s.current = next
	s.written = data
	s.mu.Unlock()

	s.logger.Info("Settings reloaded from disk", zap.Int("tasks", len(next.Tasks)))
	s.changes.notify()
	return nil
}

// persist writes the encoded settings atomically. Callers hold s.mu.
func (s *FileSettingsStore) persist(data []byte) error {
	if s.path == "" {
		s.written = data
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp settings file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	s.written = data
	return nil
}

// UpdateTask maps transform over the task with the given id. It returns
// ErrTaskNotFound when the task is gone, leaving the settings unchanged.
func UpdateTask(ctx context.Context, store SettingsStore, id string, transform func(model.ScheduledTask) model.ScheduledTask) error {
	found := false
	_, err := store.Update(ctx, func(settings model.Settings) model.Settings {
		if _, ok := settings.FindTask(id); !ok {
			return settings
		}
		found = true
		return settings.WithTask(id, transform)
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrTaskNotFound
	}
	return nil
}
