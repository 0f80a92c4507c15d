package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"vipreception/internal/camera"
	"vipreception/internal/ledger"
)

// MemoryStore はプロセス内のStore実装
type MemoryStore struct {
	mu        sync.RWMutex
	cameras   map[string]camera.Descriptor
	attendees map[int64]Attendee
	codes     map[string]int64
	visits    []ledger.VisitRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore は空のMemoryStoreを作成する
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cameras:   make(map[string]camera.Descriptor),
		attendees: make(map[int64]Attendee),
		codes:     make(map[string]int64),
	}
}

func (s *MemoryStore) Camera(_ context.Context, id string) (camera.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	desc, ok := s.cameras[id]
	if !ok {
		return camera.Descriptor{}, fmt.Errorf("カメラ %s: %w", id, ErrNotFound)
	}
	return desc, nil
}

func (s *MemoryStore) Cameras(_ context.Context) ([]camera.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]camera.Descriptor, 0, len(s.cameras))
	for _, d := range s.cameras {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (s *MemoryStore) UpdateCameraSource(_ context.Context, id, source string) (camera.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, ok := s.cameras[id]
	if !ok {
		return camera.Descriptor{}, fmt.Errorf("カメラ %s: %w", id, ErrNotFound)
	}
	desc.Source = source
	s.cameras[id] = desc
	return desc, nil
}

func (s *MemoryStore) PutCamera(_ context.Context, desc camera.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameras[desc.ID] = desc
	return nil
}

func (s *MemoryStore) PutAttendee(_ context.Context, a Attendee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.attendees[a.ID]; ok && old.QRCode != "" {
		delete(s.codes, old.QRCode)
	}
	s.attendees[a.ID] = a
	if a.QRCode != "" {
		s.codes[a.QRCode] = a.ID
	}
	return nil
}

// Attendee は来場者を返す
func (s *MemoryStore) Attendee(_ context.Context, id int64) (Attendee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attendees[id]
	if !ok {
		return Attendee{}, fmt.Errorf("来場者 %d: %w", id, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) SubjectByCode(_ context.Context, code string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[code]
	return id, ok, nil
}

func (s *MemoryStore) CreateVisit(_ context.Context, visit ledger.VisitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits = append(s.visits, visit)
	return nil
}

func (s *MemoryStore) UpdateAttendeeStatus(_ context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attendees[id]
	if !ok {
		return fmt.Errorf("来場者 %d: %w", id, ErrNotFound)
	}
	a.Status = status
	s.attendees[id] = a
	return nil
}

// Visits は作成された来場記録のコピーを返す
func (s *MemoryStore) Visits() []ledger.VisitRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.VisitRecord(nil), s.visits...)
}
