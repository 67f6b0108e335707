package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/session-server/internal/model"
)

const (
	sessionFileSuffix     = ".json"
	credentialsFileSuffix = "_creds.json"
)

// FileStore mirrors a MemoryStore onto one JSON document per session plus a
// credentials sibling. The in-memory index answers reads; disk is written
// before each mutation becomes visible and read back on open.
type FileStore struct {
	mem *MemoryStore
	dir string

	// writeMu orders disk writes with the index mutation they reflect.
	writeMu sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	fs := &FileStore{
		mem: NewMemoryStore(opts...),
		dir: dir,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) load() error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return fmt.Errorf("read sessions dir: %w", err)
	}

	now := fs.mem.now()
	var sessions []*model.Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, sessionFileSuffix) || strings.HasSuffix(name, credentialsFileSuffix) {
			continue
		}

		s, err := fs.readSession(strings.TrimSuffix(name, sessionFileSuffix))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping unreadable session file")
			continue
		}
		if isExpired(s, now) {
			fs.removeFiles(s.ID)
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	for _, s := range sessions {
		removed, err := fs.mem.put(s, nil)
		if err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("skipping conflicting session file")
			continue
		}
		for _, r := range removed {
			fs.removeFiles(r.ID)
		}
	}

	log.Info().Int("sessions", fs.mem.Len()).Str("dir", fs.dir).Msg("loaded sessions from disk")
	return nil
}

func (fs *FileStore) Put(ctx context.Context, s *model.Session) error {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	removed, err := fs.mem.put(s, func(rec *model.Session) error {
		if err := fs.writeSession(rec); err != nil {
			fs.removeFiles(rec.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range removed {
		fs.removeFiles(r.ID)
	}
	return nil
}

func (fs *FileStore) GetByID(ctx context.Context, id string) (*model.Session, error) {
	return fs.mem.GetByID(ctx, id)
}

func (fs *FileStore) GetByPairingCode(ctx context.Context, code string) (*model.Session, error) {
	return fs.mem.GetByPairingCode(ctx, code)
}

func (fs *FileStore) Update(ctx context.Context, id string, fn UpdateFunc) (*model.Session, error) {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	return fs.mem.update(id, fn, fs.writeSession)
}

func (fs *FileStore) Delete(ctx context.Context, id string) error {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	fs.mem.delete(id)
	fs.removeFiles(id)
	return nil
}

func (fs *FileStore) SweepExpired(ctx context.Context) ([]model.Session, error) {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()

	removed, err := fs.mem.SweepExpired(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range removed {
		fs.removeFiles(r.ID)
	}
	return removed, nil
}

func (fs *FileStore) List(ctx context.Context, limit int) ([]model.Session, error) {
	return fs.mem.List(ctx, limit)
}

func (fs *FileStore) Snapshot(ctx context.Context) ([]model.Session, error) {
	return fs.mem.Snapshot(ctx)
}

func (fs *FileStore) Close() error {
	return nil
}

func (fs *FileStore) sessionPath(id string) string {
	return filepath.Join(fs.dir, id+sessionFileSuffix)
}

func (fs *FileStore) credentialsPath(id string) string {
	return filepath.Join(fs.dir, id+credentialsFileSuffix)
}

func (fs *FileStore) writeSession(s *model.Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// The session document goes last; it is what load treats as the record.
	if s.HasCredentials() {
		if err := writeFileAtomic(fs.credentialsPath(s.ID), s.Credentials); err != nil {
			return fmt.Errorf("write credentials file: %w", err)
		}
	}
	if err := writeFileAtomic(fs.sessionPath(s.ID), data); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func (fs *FileStore) readSession(id string) (*model.Session, error) {
	data, err := os.ReadFile(fs.sessionPath(id))
	if err != nil {
		return nil, err
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.ID != id {
		return nil, fmt.Errorf("session id %q does not match file name", s.ID)
	}

	creds, err := os.ReadFile(fs.credentialsPath(id))
	switch {
	case err == nil:
		if json.Valid(creds) {
			s.Credentials = creds
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	return &s, nil
}

func (fs *FileStore) removeFiles(id string) {
	for _, path := range []string{fs.sessionPath(id), fs.credentialsPath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove session file")
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
