package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Lease is the durable leadership record of a scope.
type Lease struct {
	TabId     string    `json:"tabId"`
	Timestamp time.Time `json:"timestamp"`
}

func (l *Lease) staleAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.Timestamp) > timeout
}

// LeaseStore is a durable key shared by every tab of a scope. Load returns
// nil when no lease exists.
type LeaseStore interface {
	Load(ctx context.Context) (*Lease, error)
	Store(ctx context.Context, lease Lease) error

	// Delete removes the lease only if tabId holds it.
	Delete(ctx context.Context, tabId string) error
}

type MemoryLeaseStore struct {
	lock  sync.Mutex
	lease *Lease
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{}
}

func (s *MemoryLeaseStore) Load(ctx context.Context) (*Lease, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.lease == nil {
		return nil, nil
	}
	lease := *s.lease
	return &lease, nil
}

func (s *MemoryLeaseStore) Store(ctx context.Context, lease Lease) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.lease = &lease
	return nil
}

func (s *MemoryLeaseStore) Delete(ctx context.Context, tabId string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.lease != nil && s.lease.TabId == tabId {
		s.lease = nil
	}
	return nil
}

// FileLeaseStore keeps the lease in a json file, so tabs running as separate
// processes on one machine share it.
type FileLeaseStore struct {
	path string
}

func NewFileLeaseStore(path string) *FileLeaseStore {
	return &FileLeaseStore{path: path}
}

func (s *FileLeaseStore) Load(ctx context.Context) (*Lease, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}

	lease := &Lease{}
	if err := json.Unmarshal(raw, lease); err != nil {
		// A torn or foreign file counts as no lease, the next claim rewrites it.
		return nil, nil
	}
	return lease, nil
}

// Store replaces the file through a rename so readers never see a partial
// write.
func (s *FileLeaseStore) Store(ctx context.Context, lease Lease) error {
	raw, err := json.Marshal(&lease)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write lease: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write lease: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace lease: %w", err)
	}
	return nil
}

func (s *FileLeaseStore) Delete(ctx context.Context, tabId string) error {
	lease, err := s.Load(ctx)
	if err != nil || lease == nil || lease.TabId != tabId {
		return err
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}
