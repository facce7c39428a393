package yieldsaga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend keeps sagas in memory and writes a JSON snapshot to disk after
// every change. Each saga gets its own directory holding one snapshot per
// version and a latest.json link to the newest one. Existing sagas are loaded
// back when the backend is opened.
type FileBackend struct {
	dataDir string
	mem     *MemoryBackend
}

// NewFileBackend opens (or creates) a file backend rooted at dataDir.
func NewFileBackend(dataDir string) (*FileBackend, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "yieldsaga", "sagas")
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	b := &FileBackend{dataDir: dataDir, mem: NewMemoryBackend()}
	if err := b.loadAll(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewFileStore returns a Store persisted under dataDir.
func NewFileStore(dataDir string) (*StateStore, error) {
	backend, err := NewFileBackend(dataDir)
	if err != nil {
		return nil, err
	}
	return NewStore(backend), nil
}

func (b *FileBackend) Insert(ctx context.Context, state *TransactionState) error {
	if err := b.mem.Insert(ctx, state); err != nil {
		return err
	}
	if err := b.saveSnapshot(state); err != nil {
		b.mem.remove(state.ID)
		return err
	}
	return nil
}

func (b *FileBackend) Load(ctx context.Context, id string) (*TransactionState, error) {
	return b.mem.Load(ctx, id)
}

func (b *FileBackend) Mutate(ctx context.Context, id string, fn func(*TransactionState) error) error {
	return b.mem.Mutate(ctx, id, func(state *TransactionState) error {
		if err := fn(state); err != nil {
			return err
		}
		return b.saveSnapshot(state)
	})
}

func (b *FileBackend) List(ctx context.Context, filter ListFilter) ([]*TransactionState, error) {
	return b.mem.List(ctx, filter)
}

// SnapshotPaths returns the snapshot files written for a saga, oldest first.
func (b *FileBackend) SnapshotPaths(id string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.dataDir, id, "snapshot-*.json"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (b *FileBackend) saveSnapshot(state *TransactionState) error {
	sagaDir := filepath.Join(b.dataDir, state.ID)
	if err := os.MkdirAll(sagaDir, 0755); err != nil {
		return fmt.Errorf("failed to create saga directory: %w", err)
	}

	snapshotPath := filepath.Join(sagaDir, fmt.Sprintf("snapshot-%06d.json", state.Version))
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := os.WriteFile(snapshotPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}

	latestPath := filepath.Join(sagaDir, "latest.json")
	if err := b.updateLatestSymlink(snapshotPath, latestPath); err != nil {
		return fmt.Errorf("failed to update latest symlink: %w", err)
	}
	return nil
}

func (b *FileBackend) loadAll() error {
	entries, err := os.ReadDir(b.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		latestPath := filepath.Join(b.dataDir, entry.Name(), "latest.json")
		data, err := os.ReadFile(latestPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read snapshot for %s: %w", entry.Name(), err)
		}
		var state TransactionState
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot for %s: %w", entry.Name(), err)
		}
		if err := b.mem.Insert(context.Background(), &state); err != nil {
			return err
		}
	}
	return nil
}

// updateLatestSymlink points latestPath at the newest snapshot
func (b *FileBackend) updateLatestSymlink(snapshotPath, latestPath string) error {
	if _, err := os.Lstat(latestPath); err == nil {
		if err := os.Remove(latestPath); err != nil {
			return fmt.Errorf("failed to remove existing latest symlink: %w", err)
		}
	}

	// On Windows, copy the file instead of creating a symlink
	if strings.Contains(os.Getenv("OS"), "Windows") {
		data, err := os.ReadFile(snapshotPath)
		if err != nil {
			return fmt.Errorf("failed to read snapshot for copy: %w", err)
		}
		return os.WriteFile(latestPath, data, 0644)
	}

	rel, err := filepath.Rel(filepath.Dir(latestPath), snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to create relative path: %w", err)
	}
	return os.Symlink(rel, latestPath)
}
