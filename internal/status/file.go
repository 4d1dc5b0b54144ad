package status

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// FileStore writes one JSON document per stream under a directory. Writes go
// through a temp file and rename so a crash never leaves a torn record.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("status directory is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create status directory: %w", err)
	}
	return &FileStore{root: absRoot}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.root, id+".json")
}

func (f *FileStore) Get(_ context.Context, id string) (Record, error) {
	if !ValidID(id) {
		return Record{}, ErrNotFound
	}
	return readRecordFile(f.path(id))
}

func readRecordFile(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, corrupt(filepath.Base(path), err)
	}
	return decoded(filepath.Base(path), rec)
}

func (f *FileStore) Put(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeJSONFile(f.path(rec.ID), rec)
}

func (f *FileStore) List(context.Context) ([]Record, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	var bad []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := readRecordFile(filepath.Join(f.root, name))
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case errors.Is(err, ErrCorrupt):
			bad = append(bad, err)
			continue
		case err != nil:
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, errors.Join(bad...)
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileStore) Close() error { return nil }

func writeJSONFile(path string, payload any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.tmp")
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
