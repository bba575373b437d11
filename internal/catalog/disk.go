package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/alexbotov/slotgate/internal/domain"
)

// diskFile is the on-disk artifact. Timestamp is unix milliseconds.
type diskFile struct {
	Games     []domain.CatalogEntry `json:"games"`
	Providers []string              `json:"providers"`
	Timestamp int64                 `json:"timestamp"`
}

// DiskStore keeps the last published snapshot in a single JSON file
type DiskStore struct {
	path string
}

// NewDiskStore creates a disk store writing to path
func NewDiskStore(path string) *DiskStore {
	return &DiskStore{path: path}
}

// Path returns the file location
func (d *DiskStore) Path() string {
	return d.path
}

// Save writes the snapshot to a temporary file in the same directory and
// renames it over the previous one, so readers never see a partial file.
func (d *DiskStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := json.Marshal(diskFile{
		Games:     snap.entries,
		Providers: snap.providers,
		Timestamp: snap.FetchedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(d.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// Load reads the artifact. A missing file yields an error matching os.ErrNotExist.
func (d *DiskStore) Load(_ context.Context) ([]domain.CatalogEntry, time.Time, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, time.Time{}, err
	}

	var file diskFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode snapshot %s: %w", d.path, err)
	}
	return file.Games, time.UnixMilli(file.Timestamp), nil
}
