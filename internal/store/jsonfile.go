package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// JSONFile stores the snapshot as one indented JSON document.
type JSONFile struct {
	path string
}

// NewJSONFile prepares a JSON file backend. The parent directory is created
// on first write.
func NewJSONFile(path string) (*JSONFile, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	return &JSONFile{path: path}, nil
}

// Path returns the backing file path.
func (j *JSONFile) Path() string { return j.path }

func (j *JSONFile) Read(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, j.path, err)
	}

	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStoreUnavailable, j.path, err)
	}
	snap.normalize()
	return snap, nil
}

// Write replaces the file atomically via a temp file + rename.
func (j *JSONFile) Write(_ context.Context, snap *Snapshot) error {
	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".slackcal-store-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, j.path)
}

func (j *JSONFile) Close() error { return nil }
