package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mwilco03/Water-Controller-sub004/internal/types"
)

// Store persists encoded desired-state records, one per station.
type Store interface {
	Save(ctx context.Context, station string, record []byte) error
	// Load returns types.ErrNotFound when no record exists.
	Load(ctx context.Context, station string) ([]byte, error)
	Delete(ctx context.Context, station string) error
	List(ctx context.Context) ([]string, error)
}

const recordExt = ".wtds"

// FileStore keeps one file per station. Writes go to a temp file in the same
// directory which is synced and then renamed over the record.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(station string) (string, error) {
	if err := types.ValidateStationName(station); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, station+recordExt), nil
}

func (s *FileStore) Save(_ context.Context, station string, record []byte) error {
	path, err := s.path(station)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+station+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(record); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	committed = true

	if d, err := os.Open(s.dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, station string) ([]byte, error) {
	path, err := s.path(station)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no desired state for %s", types.ErrNotFound, station)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *FileStore) Delete(_ context.Context, station string) error {
	path, err := s.path(station)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(out)
	return out, nil
}
