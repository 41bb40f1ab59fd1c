// README: Order service implements submission, race-safe lifecycle transitions and reporting.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"courier/internal/metrics"
	"courier/internal/types"
)

var (
	ErrBadRequest    = errors.New("bad request")
	ErrNotFound      = errors.New("order not found")
	ErrConflict      = errors.New("order not found, already processed, or not assigned to you")
	ErrInvalidStatus = errors.New("invalid status")
	ErrDuplicate     = errors.New("duplicate order number")
	ErrAlreadyRated  = errors.New("order is not delivered or already rated")
)

// DispatchResult is the outcome of a nearest-driver search. Both fields are nil when no
// driver qualified.
type DispatchResult struct {
	DriverID   *string  `json:"driver_id"`
	DistanceKm *float64 `json:"distance_km"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, o *Order) (DispatchResult, error)
}

// Availability flips a driver's presence flag; unknown drivers are ignored.
type Availability interface {
	SetAvailability(driverID string, available bool) bool
}

// Notifier pushes lifecycle events to connected clients. Delivery is best-effort.
type Notifier interface {
	NotifyNewOrder(ctx context.Context, driverID string, o *Order)
	NotifyAccepted(ctx context.Context, o *Order)
	NotifyDelivered(ctx context.Context, o *Order)
}

type Service struct {
	store        Store
	dispatcher   Dispatcher
	presence     Availability
	notifier     Notifier
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	strictAccept bool
	now          func() time.Time
	validate     *validator.Validate
}

type Option func(*Service)

func WithPresence(a Availability) Option { return func(s *Service) { s.presence = a } }

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "order").Logger() }
}

// WithStrictAccept controls whether Accept also requires the order to be unassigned or
// assigned to the accepting driver. Enabled by default.
func WithStrictAccept(strict bool) Option { return func(s *Service) { s.strictAccept = strict } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:        store,
		dispatcher:   dispatcher,
		logger:       zerolog.Nop(),
		strictAccept: true,
		now:          time.Now,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SubmitCommand struct {
	Name     string   `json:"name" validate:"required"`
	Phone    string   `json:"phone" validate:"required"`
	Address  string   `json:"address"`
	Lat      *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng      *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
	ItemType string   `json:"type_of_item"`
}

type AcceptCommand struct {
	Number   string `validate:"required"`
	DriverID string `validate:"required"`
}

type CompleteCommand struct {
	Number   string `validate:"required"`
	DriverID string `validate:"required"`
}

type RateCommand struct {
	Number string `validate:"required"`
	Rating int    `validate:"required,min=1,max=5"`
}

// Submit validates and persists a new order, assigning the nearest available driver when
// one exists. The chosen driver alone is notified.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*Order, DispatchResult, error) {
	if err := s.check(cmd); err != nil {
		return nil, DispatchResult{}, err
	}

	now := s.now().UTC()
	coords := types.Point{Lat: *cmd.Lat, Lng: *cmd.Lng}
	o := &Order{
		Number: NewNumber(now),
		Customer: Customer{
			Name:    strings.TrimSpace(cmd.Name),
			Phone:   strings.TrimSpace(cmd.Phone),
			Address: strings.TrimSpace(cmd.Address),
			Coords:  &coords,
		},
		Status:          StatusReceived,
		ItemType:        cmd.ItemType,
		TrackedLocation: &TrackedLocation{Lat: coords.Lat, Lng: coords.Lng, Time: now},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var res DispatchResult
	if s.dispatcher != nil {
		r, err := s.dispatcher.Dispatch(ctx, o)
		if err != nil {
			s.logger.Warn().Err(err).Str("order", o.Number).Msg("dispatch failed, order left in pool")
		} else {
			res = r
		}
	}
	if res.DriverID != nil {
		o.AssignedDriverID = strPtr(*res.DriverID)
		o.DispatchDistanceKm = res.DistanceKm
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, DispatchResult{}, fmt.Errorf("create order: %w", err)
	}
	s.logger.Info().
		Str("order", o.Number).
		Bool("assigned", o.AssignedDriverID != nil).
		Msg("order submitted")

	if res.DriverID != nil && s.notifier != nil {
		s.notifier.NotifyNewOrder(ctx, *res.DriverID, o)
	}
	return o, res, nil
}

// Accept moves received → in_transit with one conditional update. Exactly one of any
// number of concurrent callers wins; the rest get ErrConflict.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*Order, error) {
	if err := s.check(cmd); err != nil {
		return nil, err
	}
	t := Transition{
		Number:   cmd.Number,
		From:     StatusReceived,
		To:       StatusInTransit,
		DriverID: cmd.DriverID,
		At:       s.now().UTC(),
	}
	if s.strictAccept {
		t.MatchDriver = true
		t.AllowUnassigned = true
	}
	o, err := s.transition(ctx, "accept", t)
	if err != nil {
		return nil, err
	}
	if s.presence != nil {
		s.presence.SetAvailability(cmd.DriverID, false)
	}
	if s.notifier != nil {
		s.notifier.NotifyAccepted(ctx, o)
	}
	return o, nil
}

// Complete moves in_transit → delivered for the assigned driver and clears the tracked location.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Order, error) {
	if err := s.check(cmd); err != nil {
		return nil, err
	}
	o, err := s.transition(ctx, "complete", Transition{
		Number:        cmd.Number,
		From:          StatusInTransit,
		To:            StatusDelivered,
		DriverID:      cmd.DriverID,
		MatchDriver:   true,
		ClearLocation: true,
		At:            s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if s.presence != nil {
		s.presence.SetAvailability(cmd.DriverID, true)
	}
	if s.notifier != nil {
		s.notifier.NotifyDelivered(ctx, o)
	}
	return o, nil
}

func (s *Service) transition(ctx context.Context, op string, t Transition) (*Order, error) {
	if !CanTransition(t.From, t.To) {
		return nil, ErrInvalidStatus
	}
	o, err := s.store.Transition(ctx, t)
	if err != nil {
		s.metrics.ObserveTransition(op, "error")
		return nil, fmt.Errorf("%s order %s: %w", op, t.Number, err)
	}
	if o == nil {
		s.metrics.ObserveTransition(op, "conflict")
		s.logger.Debug().Str("order", t.Number).Str("driver", t.DriverID).Str("op", op).Msg("conditional update matched nothing")
		return nil, ErrConflict
	}
	s.metrics.ObserveTransition(op, "ok")
	s.logger.Info().Str("order", o.Number).Str("driver", t.DriverID).Str("status", string(o.Status)).Msg("order transitioned")
	return o, nil
}

func (s *Service) Get(ctx context.Context, number string) (*Order, error) {
	if number == "" {
		return nil, ErrBadRequest
	}
	return s.store.GetByNumber(ctx, number)
}

// TrackingView is the public projection returned to customers.
type TrackingView struct {
	Number          string           `json:"order_number"`
	Status          Status           `json:"status"`
	ItemType        string           `json:"type_of_item"`
	DriverAssigned  bool             `json:"driver_assigned"`
	TrackedLocation *TrackedLocation `json:"tracked_location"`
	Rating          *int             `json:"rating,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	DeliveredAt     *time.Time       `json:"delivered_at,omitempty"`
}

func (s *Service) Track(ctx context.Context, number string) (*TrackingView, error) {
	o, err := s.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	return &TrackingView{
		Number:          o.Number,
		Status:          o.Status,
		ItemType:        o.ItemType,
		DriverAssigned:  o.AssignedDriverID != nil,
		TrackedLocation: o.TrackedLocation,
		Rating:          o.Rating,
		CreatedAt:       o.CreatedAt,
		DeliveredAt:     o.DeliveredAt,
	}, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Order, error) {
	return s.store.List(ctx, f)
}

// ListAvailable returns received orders the driver could accept, newest first. Under
// strict accept that is the open pool plus orders pre-assigned to driverID.
func (s *Service) ListAvailable(ctx context.Context, driverID string) ([]*Order, error) {
	list, err := s.store.List(ctx, Filter{Status: StatusReceived})
	if err != nil || !s.strictAccept {
		return list, err
	}
	out := list[:0]
	for _, o := range list {
		if o.AssignedDriverID == nil || *o.AssignedDriverID == driverID {
			out = append(out, o)
		}
	}
	return out, nil
}

// ActiveForDriver returns the driver's in-transit orders.
func (s *Service) ActiveForDriver(ctx context.Context, driverID string) ([]*Order, error) {
	if driverID == "" {
		return nil, ErrBadRequest
	}
	return s.store.List(ctx, Filter{Status: StatusInTransit, DriverID: driverID})
}

// AdminUpdate applies a patch without lifecycle checks.
func (s *Service) AdminUpdate(ctx context.Context, number string, p Patch) (*Order, error) {
	if number == "" || p.Empty() {
		return nil, ErrBadRequest
	}
	if p.Rating != nil && (*p.Rating < 1 || *p.Rating > 5) {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrBadRequest)
	}
	o, err := s.store.AdminUpdate(ctx, number, p, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Warn().Str("order", number).Msg("administrative update bypassed lifecycle checks")
	return o, nil
}

func (s *Service) Delete(ctx context.Context, number string) error {
	if number == "" {
		return ErrBadRequest
	}
	if err := s.store.Delete(ctx, number); err != nil {
		return err
	}
	s.logger.Info().Str("order", number).Msg("order deleted")
	return nil
}

// Rate records a 1-5 rating once, after delivery.
func (s *Service) Rate(ctx context.Context, cmd RateCommand) (*Order, error) {
	if err := s.check(cmd); err != nil {
		return nil, err
	}
	o, err := s.store.SetRating(ctx, cmd.Number, cmd.Rating, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("rate order %s: %w", cmd.Number, err)
	}
	if o != nil {
		return o, nil
	}
	if _, err := s.store.GetByNumber(ctx, cmd.Number); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyRated
}

func (s *Service) PlaceStats(ctx context.Context, rng string) ([]PlaceCount, error) {
	since, err := RangeStart(rng, s.now())
	if err != nil {
		return nil, err
	}
	return s.store.PlaceCounts(ctx, since)
}

func (s *Service) DailyStats(ctx context.Context, rng string) ([]DayCount, error) {
	since, err := RangeStart(rng, s.now())
	if err != nil {
		return nil, err
	}
	return s.store.DailyCounts(ctx, since)
}

// RangeStart resolves a stats range to its lower bound. Empty means daily.
func RangeStart(rng string, now time.Time) (time.Time, error) {
	now = now.UTC()
	switch strings.ToLower(rng) {
	case "", "daily":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	case "weekly":
		return now.AddDate(0, 0, -7), nil
	case "monthly":
		return now.AddDate(0, -1, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown range %q", ErrBadRequest, rng)
}

// NewNumber returns ORD-<unix millis>-<8 hex>.
func NewNumber(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), strings.ToUpper(suffix))
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		return fmt.Errorf("%w: %s", ErrBadRequest, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %v", ErrBadRequest, err)
}

func fieldMessage(fe validator.FieldError) string {
	name := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "gte", "min":
		return fmt.Sprintf("%s must be >= %s", name, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be <= %s", name, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", name, fe.Tag())
}
