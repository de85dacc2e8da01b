package orderstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/schema"
)

// MemoryStore is an in-memory Store used by tests and credential-less runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*entry
	clock   func() time.Time
}

type entry struct {
	mu    sync.Mutex
	order schema.Order
}

// NewMemoryStore creates a memory-backed order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*entry),
		clock:   time.Now,
	}
}

// WithClock overrides the store clock, primarily for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Create inserts a new order record.
func (s *MemoryStore) Create(ctx context.Context, order schema.Order) error {
	if err := ctxCheck(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(order.ID) == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	now := s.clock().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[order.ID]; exists {
		return errs.New("", errs.CodeConflict, errs.WithMessage("order already exists"))
	}
	s.records[order.ID] = &entry{order: order.Clone()}
	return nil
}

// Get returns the current record for the provided order id.
func (s *MemoryStore) Get(ctx context.Context, id string) (schema.Order, error) {
	if err := ctxCheck(ctx); err != nil {
		return schema.Order{}, err
	}
	s.mu.RLock()
	e, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return schema.Order{}, errs.New("", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Clone(), nil
}

// List returns records matching the filter, newest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]schema.Order, error) {
	if err := ctxCheck(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.records))
	for _, e := range s.records {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []schema.Order
	for _, e := range entries {
		e.mu.Lock()
		order := e.order.Clone()
		e.mu.Unlock()
		if matches(order, filter) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Update applies the non-nil fields to the record in a single atomic step.
func (s *MemoryStore) Update(ctx context.Context, id string, fields Fields) error {
	if err := ctxCheck(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	e, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if fields.Status != nil {
		e.order.Status = *fields.Status
	}
	if fields.BrokerOrderID != nil {
		e.order.BrokerOrderID = *fields.BrokerOrderID
	}
	if fields.FilledQty != nil {
		e.order.FilledQty = *fields.FilledQty
	}
	if fields.FilledAvgPrice != nil {
		e.order.FilledAvgPrice = *fields.FilledAvgPrice
	}
	if fields.RetryCount != nil {
		e.order.RetryCount = *fields.RetryCount
	}
	if fields.LastError != nil {
		e.order.LastError = *fields.LastError
	}
	e.order.UpdatedAt = s.clock().UTC()
	return nil
}

// CompareAndSetStatus flips the status only when the stored value matches
// expected. A mismatch returns a conflict error and changes nothing.
func (s *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, expected, next schema.Status) error {
	if err := ctxCheck(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	e, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.order.Status != expected {
		return errs.New("", errs.CodeConflict, errs.WithMessage("status mismatch"))
	}
	e.order.Status = next
	e.order.UpdatedAt = s.clock().UTC()
	return nil
}

func matches(order schema.Order, filter Filter) bool {
	if filter.AccountID != "" && order.AccountID != filter.AccountID {
		return false
	}
	if filter.Symbol != "" && order.Symbol != filter.Symbol {
		return false
	}
	if filter.ParentOrderID != "" && order.ParentOrderID != filter.ParentOrderID {
		return false
	}
	if filter.HasBrokerID && order.BrokerOrderID == "" {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, status := range filter.Statuses {
			if order.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func ctxCheck(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return errs.New("", errs.CodeStorage, errs.WithCause(ctx.Err()))
	default:
		return nil
	}
}
