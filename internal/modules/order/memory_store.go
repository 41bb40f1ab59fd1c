// README: In-process order store guarded by a mutex; used by tests and the memory driver.
package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*memoryRow
	seq    uint64
}

type memoryRow struct {
	order Order
	seq   uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*memoryRow)}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.Number]; ok {
		return ErrDuplicate
	}
	s.seq++
	s.orders[o.Number] = &memoryRow{order: cloneOrder(o), seq: s.seq}
	return nil
}

func (s *MemoryStore) GetByNumber(_ context.Context, number string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.orders[number]
	if !ok {
		return nil, ErrNotFound
	}
	o := cloneOrder(&row.order)
	return &o, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Order, error) {
	s.mu.Lock()
	rows := make([]*memoryRow, 0, len(s.orders))
	for _, row := range s.orders {
		if matchesFilter(&row.order, f) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.order.CreatedAt.Equal(b.order.CreatedAt) {
			return a.order.CreatedAt.After(b.order.CreatedAt)
		}
		return a.seq > b.seq
	})
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	out := make([]*Order, len(rows))
	for i, row := range rows {
		o := cloneOrder(&row.order)
		out[i] = &o
	}
	s.mu.Unlock()
	return out, nil
}

func matchesFilter(o *Order, f Filter) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.DriverID != "" && (o.AssignedDriverID == nil || *o.AssignedDriverID != f.DriverID) {
		return false
	}
	if f.Unassigned && o.AssignedDriverID != nil {
		return false
	}
	return true
}

func (s *MemoryStore) Transition(_ context.Context, t Transition) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.orders[t.Number]
	if !ok {
		return nil, nil
	}
	o := &row.order
	if o.Status != t.From {
		return nil, nil
	}
	if t.MatchDriver {
		assigned := o.AssignedDriverID
		switch {
		case assigned == nil && !t.AllowUnassigned:
			return nil, nil
		case assigned != nil && *assigned != t.DriverID:
			return nil, nil
		}
	}
	applyTransition(o, t)
	out := cloneOrder(o)
	return &out, nil
}

func applyTransition(o *Order, t Transition) {
	o.Status = t.To
	o.UpdatedAt = t.At
	if t.DriverID != "" {
		o.AssignedDriverID = strPtr(t.DriverID)
	}
	switch t.To {
	case StatusInTransit:
		o.AcceptedAt = timePtr(t.At)
	case StatusDelivered:
		o.DeliveredAt = timePtr(t.At)
	}
	if t.ClearLocation {
		o.TrackedLocation = nil
	}
}

func (s *MemoryStore) UpdateTrackedLocation(_ context.Context, number string, loc TrackedLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.orders[number]
	if !ok || row.order.Status == StatusDelivered {
		return ErrNotFound
	}
	l := loc
	row.order.TrackedLocation = &l
	return nil
}

func (s *MemoryStore) AdminUpdate(_ context.Context, number string, p Patch, at time.Time) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.orders[number]
	if !ok {
		return nil, ErrNotFound
	}
	applyPatch(&row.order, p, at)
	out := cloneOrder(&row.order)
	return &out, nil
}

func applyPatch(o *Order, p Patch, at time.Time) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.ClearDriver {
		o.AssignedDriverID = nil
	}
	if p.AssignedDriverID != nil {
		o.AssignedDriverID = strPtr(*p.AssignedDriverID)
	}
	if p.ItemType != nil {
		o.ItemType = *p.ItemType
	}
	if p.CustomerName != nil {
		o.Customer.Name = *p.CustomerName
	}
	if p.CustomerPhone != nil {
		o.Customer.Phone = *p.CustomerPhone
	}
	if p.CustomerAddress != nil {
		o.Customer.Address = *p.CustomerAddress
	}
	if p.Rating != nil {
		r := *p.Rating
		o.Rating = &r
	}
	o.UpdatedAt = at
}

func (s *MemoryStore) SetRating(_ context.Context, number string, rating int, at time.Time) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.orders[number]
	if !ok || row.order.Status != StatusDelivered || row.order.Rating != nil {
		return nil, nil
	}
	r := rating
	row.order.Rating = &r
	row.order.UpdatedAt = at
	out := cloneOrder(&row.order)
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, number string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[number]; !ok {
		return ErrNotFound
	}
	delete(s.orders, number)
	return nil
}

func (s *MemoryStore) PlaceCounts(_ context.Context, since time.Time) ([]PlaceCount, error) {
	s.mu.Lock()
	counts := map[string]int64{}
	for _, row := range s.orders {
		if row.order.CreatedAt.Before(since) {
			continue
		}
		counts[row.order.Customer.Address]++
	}
	s.mu.Unlock()

	out := make([]PlaceCount, 0, len(counts))
	for city, n := range counts {
		out = append(out, PlaceCount{City: city, Deliveries: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deliveries != out[j].Deliveries {
			return out[i].Deliveries > out[j].Deliveries
		}
		return out[i].City < out[j].City
	})
	return out, nil
}

func (s *MemoryStore) DailyCounts(_ context.Context, since time.Time) ([]DayCount, error) {
	s.mu.Lock()
	counts := map[string]int64{}
	for _, row := range s.orders {
		if row.order.CreatedAt.Before(since) {
			continue
		}
		counts[dayKey(row.order.CreatedAt)]++
	}
	s.mu.Unlock()

	out := make([]DayCount, 0, len(counts))
	for day, n := range counts {
		out = append(out, DayCount{Date: day, Orders: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func cloneOrder(o *Order) Order {
	c := *o
	if o.Customer.Coords != nil {
		p := *o.Customer.Coords
		c.Customer.Coords = &p
	}
	if o.AssignedDriverID != nil {
		c.AssignedDriverID = strPtr(*o.AssignedDriverID)
	}
	if o.TrackedLocation != nil {
		l := *o.TrackedLocation
		c.TrackedLocation = &l
	}
	if o.Rating != nil {
		r := *o.Rating
		c.Rating = &r
	}
	if o.DispatchDistanceKm != nil {
		d := *o.DispatchDistanceKm
		c.DispatchDistanceKm = &d
	}
	if o.AcceptedAt != nil {
		c.AcceptedAt = timePtr(*o.AcceptedAt)
	}
	if o.DeliveredAt != nil {
		c.DeliveredAt = timePtr(*o.DeliveredAt)
	}
	return c
}
