package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"hydrotrack/models"
)

var errStoreDown = errors.New("store unavailable")

// memStore implements RawStore, ProcessedStore and EventStore in memory
type memStore struct {
	mu        sync.Mutex
	raw       []models.RawReading
	processed []models.ProcessedReading
	events    []models.Event
	nextID    int64

	failRaw       bool
	failProcessed int
	failEvents    bool
}

func newMemStore() *memStore {
	return &memStore{}
}

func (s *memStore) InsertRawReading(ctx context.Context, r *models.RawReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRaw {
		return errStoreDown
	}
	s.nextID++
	r.ID = s.nextID
	s.raw = append(s.raw, *r)
	return nil
}

func (s *memStore) RecentRawValues(ctx context.Context, elementID, variable string, limit int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []float64
	for i := len(s.raw) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.raw[i]
		if r.ElementID == elementID && r.Variable == variable {
			out = append(out, r.Value)
		}
	}
	return out, nil
}

func (s *memStore) LastProcessedReading(ctx context.Context, elementID, variable string) (*models.ProcessedReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failProcessed > 0 {
		s.failProcessed--
		return nil, errStoreDown
	}
	for i := len(s.processed) - 1; i >= 0; i-- {
		p := s.processed[i]
		if p.ElementID == elementID && p.Variable == variable {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertProcessedReading(ctx context.Context, r *models.ProcessedReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = s.nextID
	s.processed = append(s.processed, *r)
	return nil
}

func (s *memStore) ExtendProcessedReading(ctx context.Context, id int64, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.processed {
		if s.processed[i].ID == id {
			s.processed[i].EndTime = end
			return nil
		}
	}
	return errors.New("not found")
}

func (s *memStore) ProcessedReadingsBetween(ctx context.Context, elementID, variable string, from, to time.Time) ([]models.ProcessedReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProcessedReading
	for _, p := range s.processed {
		if p.ElementID != elementID || p.Variable != variable {
			continue
		}
		if p.EndTime.Before(from) || p.EndTime.After(to) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (s *memStore) InsertEvent(ctx context.Context, ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEvents {
		return errStoreDown
	}
	s.nextID++
	ev.ID = s.nextID
	s.events = append(s.events, *ev)
	return nil
}

func (s *memStore) processedFor(elementID, variable string) []models.ProcessedReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProcessedReading
	for _, p := range s.processed {
		if p.ElementID == elementID && p.Variable == variable {
			out = append(out, p)
		}
	}
	return out
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// memBus records published messages
type memBus struct {
	mu   sync.Mutex
	msgs []models.BusMessage
}

func (b *memBus) Publish(msg models.BusMessage) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
}

func (b *memBus) count(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

func floatPtr(v float64) *float64 { return &v }
