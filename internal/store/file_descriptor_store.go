package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// descriptorFile is the on-disk YAML shape.
type descriptorFile struct {
	Providers []Descriptor `yaml:"providers"`
}

// FileDescriptorStore serves descriptors from a YAML file and hot-reloads
// edits. Reads go through an atomic snapshot pointer; Update rewrites the
// file, so external edits and API updates use the same source of truth.
type FileDescriptorStore struct {
	path     string
	logger   *slog.Logger
	snapshot atomic.Pointer[descriptorFile]
	watcher  *fsnotify.Watcher
}

// NewFileDescriptorStore loads the file and returns a store over it.
func NewFileDescriptorStore(path string, logger *slog.Logger) (*FileDescriptorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileDescriptorStore{path: path, logger: logger}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileDescriptorStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read descriptors: %w", err)
	}
	var f descriptorFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse descriptors: %w", err)
	}
	for i := range f.Providers {
		if err := f.Providers[i].Validate(); err != nil {
			return err
		}
	}
	s.snapshot.Store(&f)
	return nil
}

// Watch starts hot-reloading the file until ctx is cancelled. Rapid edits
// are debounced; a file that fails to parse keeps the previous snapshot.
func (s *FileDescriptorStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.path); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher

	go s.watchLoop(ctx)
	return nil
}

func (s *FileDescriptorStore) watchLoop(ctx context.Context) {
	const debounceDelay = 200 * time.Millisecond
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = s.watcher.Close()
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := s.load(); err != nil {
						s.logger.Error("descriptor reload failed, keeping current", "error", err)
						return
					}
					s.logger.Info("provider descriptors reloaded", "path", s.path)
				})
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("descriptor watcher error", "error", err)
		}
	}
}

// List returns the current snapshot's descriptors.
func (s *FileDescriptorStore) List(ctx context.Context) ([]Descriptor, error) {
	f := s.snapshot.Load()
	out := make([]Descriptor, len(f.Providers))
	copy(out, f.Providers)
	return out, nil
}

// Get returns one descriptor from the current snapshot.
func (s *FileDescriptorStore) Get(ctx context.Context, id string) (*Descriptor, error) {
	f := s.snapshot.Load()
	for _, d := range f.Providers {
		if d.ID == id {
			out := d
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDescriptorNotFound, id)
}

// Update patches a descriptor and rewrites the file. The watcher picks the
// write back up, which is harmless: the reload sees what Update wrote.
func (s *FileDescriptorStore) Update(ctx context.Context, id string, patch Patch) error {
	f := s.snapshot.Load()
	next := descriptorFile{Providers: make([]Descriptor, len(f.Providers))}
	copy(next.Providers, f.Providers)

	found := false
	for i := range next.Providers {
		if next.Providers[i].ID != id {
			continue
		}
		found = true
		if patch.Enabled != nil {
			next.Providers[i].Enabled = *patch.Enabled
		}
		if patch.Priority != nil {
			if *patch.Priority < 0 || *patch.Priority > 100 {
				return fmt.Errorf("descriptor %s: priority %d out of [0,100]", id, *patch.Priority)
			}
			next.Providers[i].Priority = *patch.Priority
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrDescriptorNotFound, id)
	}

	data, err := yaml.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal descriptors: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write descriptors: %w", err)
	}
	s.snapshot.Store(&next)
	return nil
}

// Close stops the watcher if one is running.
func (s *FileDescriptorStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
