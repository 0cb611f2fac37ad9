package keychain

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// FileStore keeps secrets in a YAML file readable only by its owner. Every
// operation takes an advisory lock on path+".lock" so concurrent CLI calls
// and job starts see a consistent file.
type FileStore struct {
	path string
	lock *flock.Flock
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

func (s *FileStore) Set(key, value string) error {
	return s.update(func(m map[string]string) { m[key] = value })
}

func (s *FileStore) Get(key string) (string, error) {
	m, err := s.read(s.lock.RLock)
	if err != nil {
		return "", err
	}
	val, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

func (s *FileStore) List() ([]string, error) {
	m, err := s.read(s.lock.RLock)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *FileStore) Delete(key string) error {
	return s.update(func(m map[string]string) { delete(m, key) })
}

func (s *FileStore) read(lock func() error) (map[string]string, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return nil, fmt.Errorf("creating secret store directory: %w", err)
	}
	if err := lock(); err != nil {
		return nil, fmt.Errorf("locking secret store: %w", err)
	}
	defer s.lock.Unlock()
	return s.load()
}

func (s *FileStore) load() (map[string]string, error) {
	m := map[string]string{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, nil
		}
		return nil, fmt.Errorf("reading secret store: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing secret store %s: %w", s.path, err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

func (s *FileStore) update(fn func(map[string]string)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating secret store directory: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("locking secret store: %w", err)
	}
	defer s.lock.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	fn(m)

	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing secret store: %w", err)
	}
	return os.Rename(tmp, s.path)
}
