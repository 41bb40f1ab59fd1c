// README: Live tracking relay; room fan-out of driver positions and lifecycle notifications.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/metrics"
	"courier/internal/modules/order"
	"courier/internal/socket"
	"courier/internal/types"
)

var (
	ErrInvalidLocation = errors.New("invalid location update")
	ErrUntrackedOrder  = errors.New("order is unknown or already delivered")
)

// closedTTL bounds how long a delivered order refuses late positions without a store read.
const closedTTL = time.Minute

// Transport delivers events to connections and rooms. *socket.Hub satisfies it.
type Transport interface {
	Join(room string, h types.Handle) bool
	Leave(room string, h types.Handle)
	Send(h types.Handle, event string, data any) error
	Broadcast(room, event string, data any) int
}

// OrderReader loads the persisted order for catch-up.
type OrderReader interface {
	GetByNumber(ctx context.Context, number string) (*order.Order, error)
}

// DriverLocator resolves a driver's live connection.
type DriverLocator interface {
	Handle(driverID string) (types.Handle, bool)
}

// EventSink mirrors order-room events to an external bus.
type EventSink interface {
	Publish(orderNumber, event string, payload any)
}

type Relay struct {
	transport Transport
	orders    OrderReader
	drivers   DriverLocator
	writer    *Writer
	sink      EventSink
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	// mu serialises cache updates with their broadcasts so a room sees positions in
	// publish order and a subscriber never gets an older catch-up after a newer update.
	mu     sync.Mutex
	cache  map[string]lastKnown
	closed map[string]time.Time
}

type RelayOption func(*Relay)

func WithSink(s EventSink) RelayOption { return func(r *Relay) { r.sink = s } }

func WithRelayMetrics(m *metrics.Metrics) RelayOption { return func(r *Relay) { r.metrics = m } }

func WithRelayLogger(l zerolog.Logger) RelayOption {
	return func(r *Relay) { r.logger = l.With().Str("component", "relay").Logger() }
}

func WithRelayClock(now func() time.Time) RelayOption { return func(r *Relay) { r.now = now } }

func NewRelay(transport Transport, orders OrderReader, drivers DriverLocator, writer *Writer, opts ...RelayOption) *Relay {
	r := &Relay{
		transport: transport,
		orders:    orders,
		drivers:   drivers,
		writer:    writer,
		logger:    zerolog.Nop(),
		now:       time.Now,
		cache:     make(map[string]lastKnown),
		closed:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe joins h to the order's room and pushes the last known position to h only.
func (r *Relay) Subscribe(ctx context.Context, orderNumber string, h types.Handle) error {
	if orderNumber == "" {
		return fmt.Errorf("%w: order number is required", ErrInvalidLocation)
	}

	var fallback *lastKnown
	var loadErr error
	if !r.cached(orderNumber) {
		o, err := r.orders.GetByNumber(ctx, orderNumber)
		switch {
		case err == nil && o.TrackedLocation != nil:
			lk := lastKnown{loc: *o.TrackedLocation}
			if o.AssignedDriverID != nil && !o.SeededLocation() {
				lk.driverID = *o.AssignedDriverID
			}
			fallback = &lk
		case err != nil && !errors.Is(err, order.ErrNotFound):
			loadErr = fmt.Errorf("load order %s: %w", orderNumber, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.transport.Join(orderNumber, h) {
		return fmt.Errorf("join %s: %w", orderNumber, socket.ErrUnknownHandle)
	}
	last, ok := r.cache[orderNumber]
	if !ok && fallback != nil {
		last, ok = *fallback, true
	}
	if ok {
		if err := r.transport.Send(h, socket.EventLocationUpdated, last.payload()); err != nil {
			r.logger.Debug().Err(err).Str("order", orderNumber).Msg("catch-up send failed")
		}
	}
	return loadErr
}

// Unsubscribe removes h from the order's room.
func (r *Relay) Unsubscribe(orderNumber string, h types.Handle) error {
	if orderNumber == "" {
		return fmt.Errorf("%w: order number is required", ErrInvalidLocation)
	}
	r.transport.Leave(orderNumber, h)
	return nil
}

func (r *Relay) cached(orderNumber string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cache[orderNumber]
	return ok
}

// PublishLocation validates and relays a driver position. Positions for orders that are
// unknown or delivered are refused with ErrUntrackedOrder. Persistence is queued on the
// background writer; the broadcast does not wait for it.
func (r *Relay) PublishLocation(ctx context.Context, u LocationUpdate) error {
	if u.OrderNumber == "" || !ValidCoords(u.Lat, u.Lng) {
		r.logger.Warn().
			Str("order", u.OrderNumber).
			Str("driver", u.DriverID).
			Float64("lat", u.Lat).
			Float64("lng", u.Lng).
			Msg("rejected location update")
		return ErrInvalidLocation
	}

	if !r.cached(u.OrderNumber) {
		if err := r.trackable(ctx, u.OrderNumber); err != nil {
			return err
		}
	}

	lk := lastKnown{
		loc:      order.TrackedLocation{Lat: u.Lat, Lng: u.Lng, Time: r.now().UTC()},
		driverID: u.DriverID,
	}
	payload := lk.payload()

	r.mu.Lock()
	if r.closedLocked(u.OrderNumber) {
		r.mu.Unlock()
		r.logger.Debug().Str("order", u.OrderNumber).Msg("late position for delivered order dropped")
		return ErrUntrackedOrder
	}
	r.cache[u.OrderNumber] = lk
	if r.writer != nil {
		r.writer.Enqueue(u.OrderNumber, lk.loc)
	}
	n := r.transport.Broadcast(u.OrderNumber, socket.EventLocationUpdated, payload)
	r.mu.Unlock()

	r.metrics.ObserveEvent(socket.EventLocationUpdated)
	r.mirror(u.OrderNumber, socket.EventLocationUpdated, payload)
	r.logger.Debug().Str("order", u.OrderNumber).Int("receivers", n).Msg("location relayed")
	return nil
}

// trackable checks a not-yet-cached order against the store before it gets a cache entry.
func (r *Relay) trackable(ctx context.Context, orderNumber string) error {
	o, err := r.orders.GetByNumber(ctx, orderNumber)
	switch {
	case errors.Is(err, order.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrUntrackedOrder, orderNumber)
	case err != nil:
		return fmt.Errorf("load order %s: %w", orderNumber, err)
	case o.Status == order.StatusDelivered:
		return fmt.Errorf("%w: %s", ErrUntrackedOrder, orderNumber)
	}
	return nil
}

func (r *Relay) closedLocked(orderNumber string) bool {
	at, ok := r.closed[orderNumber]
	return ok && r.now().Sub(at) < closedTTL
}

// Forget drops the cached position and any pending write for the order, and refuses
// positions that were already in flight when it was delivered.
func (r *Relay) Forget(orderNumber string) {
	now := r.now()
	r.mu.Lock()
	delete(r.cache, orderNumber)
	for number, at := range r.closed {
		if now.Sub(at) >= closedTTL {
			delete(r.closed, number)
		}
	}
	r.closed[orderNumber] = now
	r.mu.Unlock()
	if r.writer != nil {
		r.writer.Discard(orderNumber)
	}
}

// NotifyNewOrder sends the order to the selected driver only.
func (r *Relay) NotifyNewOrder(_ context.Context, driverID string, o *order.Order) {
	h, ok := r.drivers.Handle(driverID)
	if !ok {
		r.logger.Warn().Str("driver", driverID).Str("order", o.Number).Msg("assigned driver not connected")
		return
	}
	if err := r.transport.Send(h, socket.EventNewOrder, o); err != nil {
		r.logger.Warn().Err(err).Str("driver", driverID).Str("order", o.Number).Msg("new-order not delivered")
		return
	}
	r.metrics.ObserveEvent(socket.EventNewOrder)
}

// NotifyAccepted tells the driver pool the order is taken and the order room its new status.
func (r *Relay) NotifyAccepted(_ context.Context, o *order.Order) {
	payload := statusPayload(o)
	r.transport.Broadcast(socket.DriversRoom, socket.EventOrderAccepted, payload)
	r.metrics.ObserveEvent(socket.EventOrderAccepted)

	r.mu.Lock()
	r.transport.Broadcast(o.Number, socket.EventStatusUpdate, payload)
	r.mu.Unlock()
	r.metrics.ObserveEvent(socket.EventStatusUpdate)
	r.mirror(o.Number, socket.EventStatusUpdate, payload)
}

// NotifyDelivered closes out tracking for the order and tells its room.
func (r *Relay) NotifyDelivered(_ context.Context, o *order.Order) {
	r.Forget(o.Number)
	status := statusPayload(o)
	done := DeliveredPayload{OrderNumber: o.Number, DeliveredAt: o.DeliveredAt}
	if o.AssignedDriverID != nil {
		done.DriverID = *o.AssignedDriverID
	}

	r.mu.Lock()
	r.transport.Broadcast(o.Number, socket.EventStatusUpdate, status)
	r.transport.Broadcast(o.Number, socket.EventDeliveryCompleted, done)
	r.mu.Unlock()

	r.metrics.ObserveEvent(socket.EventStatusUpdate)
	r.metrics.ObserveEvent(socket.EventDeliveryCompleted)
	r.mirror(o.Number, socket.EventStatusUpdate, status)
	r.mirror(o.Number, socket.EventDeliveryCompleted, done)
}

func (r *Relay) mirror(orderNumber, event string, payload any) {
	if r.sink != nil {
		r.sink.Publish(orderNumber, event, payload)
	}
}

func statusPayload(o *order.Order) StatusPayload {
	p := StatusPayload{OrderNumber: o.Number, Status: o.Status}
	if o.AssignedDriverID != nil {
		p.DriverID = *o.AssignedDriverID
	}
	return p
}
