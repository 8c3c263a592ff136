package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pytrade/trade-core/internal/storage"
	"go.uber.org/zap"
)

// snapshotLayout sorts lexicographically in time order.
const snapshotLayout = "20060102T150405.000000000"

// ModelStore keeps the last Keep model snapshots in Dir as <timestamp>.json.
type ModelStore struct {
	Dir          string
	Keep         int
	RemotePrefix string
	store        storage.ObjectStorage
	logger       *zap.Logger
	now          func() time.Time
}

// NewModelStore creates a snapshot store. store may be nil.
func NewModelStore(dir string, keep int, remotePrefix string, store storage.ObjectStorage, logger *zap.Logger) *ModelStore {
	if keep < 1 {
		keep = 1
	}
	return &ModelStore{Dir: dir, Keep: keep, RemotePrefix: remotePrefix, store: store, logger: logger.Named("models"), now: time.Now}
}

// Save writes model as JSON and drops snapshots beyond Keep. It returns the file path.
func (m *ModelStore) Save(ctx context.Context, model any) (string, error) {
	data, err := json.Marshal(model)
	if err != nil {
		return "", fmt.Errorf("failed to encode model: %w", err)
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(m.Dir, m.now().UTC().Format(snapshotLayout)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	if m.store != nil {
		key := strings.Trim(m.RemotePrefix, "/") + "/" + filepath.Base(path)
		if err := m.store.Upload(ctx, path, strings.TrimPrefix(key, "/")); err != nil {
			m.logger.Warn("Failed to mirror model", zap.Error(err))
		}
	}
	snaps, err := m.snapshots()
	if err != nil {
		return path, err
	}
	for len(snaps) > m.Keep {
		if err := os.Remove(filepath.Join(m.Dir, snaps[0])); err != nil {
			return path, err
		}
		snaps = snaps[1:]
	}
	m.logger.Info("Model saved", zap.String("path", path))
	return path, nil
}

// LoadLast decodes the newest snapshot into model. It reports false when there is none.
func (m *ModelStore) LoadLast(model any) (bool, error) {
	snaps, err := m.snapshots()
	if err != nil || len(snaps) == 0 {
		if os.IsNotExist(err) {
			err = nil
		}
		return false, err
	}
	path := filepath.Join(m.Dir, snaps[len(snaps)-1])
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, model); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return true, nil
}

// snapshots lists snapshot file names, oldest first.
func (m *ModelStore) snapshots() ([]string, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
