package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "dailycast/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.deliveries.jsonl (append-only JSON Lines)
//   - <prefix>.markers.json     (snapshot, replaced via tmp+rename)
//
// The newest maxHistoryLimit deliveries are kept in memory for RecentDeliveries.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveryFile *os.File
	recent       []DeliveryRecord // ring, oldest first

	markersPath string
	markers     map[string]string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	deliveriesPath := prefix + ".deliveries.jsonl"
	markersPath := prefix + ".markers.json"

	recent, err := loadRecentDeliveries(deliveriesPath, maxHistoryLimit)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("delivery history unreadable; starting empty", logx.String("path", deliveriesPath), logx.Err(err))
	}
	markers := map[string]string{}
	if err := loadMarkers(markersPath, markers); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("markers unreadable; starting empty", logx.String("path", markersPath), logx.Err(err))
	}

	df, err := os.OpenFile(deliveriesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		deliveryFile: df,
		recent:       recent,
		markersPath:  markersPath,
		markers:      markers,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return nil
	}
	err := s.deliveryFile.Close()
	s.deliveryFile = nil
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return errors.New("delivery file closed")
	}
	if err := json.NewEncoder(s.deliveryFile).Encode(r); err != nil {
		return err
	}
	s.recent = append(s.recent, r)
	if over := len(s.recent) - maxHistoryLimit; over > 0 {
		s.recent = append([]DeliveryRecord(nil), s.recent[over:]...)
	}
	return nil
}

func (s *fileStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	_ = ctx
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.recent))
	out := make([]DeliveryRecord, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) PutMarker(ctx context.Context, key, value string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[key] = value
	return writeJSONAtomic(s.markersPath, s.markers, 0o600)
}

func (s *fileStore) GetMarker(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.markers[strings.TrimSpace(key)]
	return v, ok, nil
}

func loadRecentDeliveries(path string, keep int) ([]DeliveryRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []DeliveryRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if len(out) > 2*keep {
			out = append([]DeliveryRecord(nil), out[len(out)-keep:]...)
		}
	}
	if len(out) > keep {
		out = append([]DeliveryRecord(nil), out[len(out)-keep:]...)
	}
	return out, sc.Err()
}

func loadMarkers(path string, out map[string]string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &out)
}

// writeJSONAtomic writes v as indented JSON to path through a temp file and rename.
func writeJSONAtomic(path string, v any, perm os.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
