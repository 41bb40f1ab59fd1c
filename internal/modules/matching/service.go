// README: Matching service picks the nearest available driver for a new order.
package matching

import (
	"context"
	"iter"
	"math"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/metrics"
	"courier/internal/modules/location"
	"courier/internal/modules/order"
	"courier/internal/modules/presence"
	"courier/internal/types"
)

// CandidateSource yields available drivers with known positions. *presence.Registry satisfies it.
type CandidateSource interface {
	ListAvailable() iter.Seq[presence.Candidate]
}

// DispatchRecorder persists dispatch decisions. *Store satisfies it.
type DispatchRecorder interface {
	RecordDispatch(ctx context.Context, orderNumber string, driverIDs []string, at time.Time) error
	GetDispatch(ctx context.Context, orderNumber string) (DispatchRecord, bool, error)
}

type Service struct {
	drivers  CandidateSource
	recorder DispatchRecorder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService builds the dispatcher. recorder may be nil when no Redis is configured.
func NewService(drivers CandidateSource, recorder DispatchRecorder, logger zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		drivers:  drivers,
		recorder: recorder,
		metrics:  m,
		logger:   logger.With().Str("component", "matching").Logger(),
		now:      time.Now,
	}
}

// Dispatch returns the nearest available driver for o. An order without coordinates or
// an empty pool yields an empty result and no error.
func (s *Service) Dispatch(ctx context.Context, o *order.Order) (order.DispatchResult, error) {
	if o.Customer.Coords == nil {
		s.metrics.ObserveDispatch(OutcomeNoCoords, 0)
		return order.DispatchResult{}, nil
	}

	best, dist, ok := Nearest(s.drivers.ListAvailable(), *o.Customer.Coords)
	if !ok {
		s.metrics.ObserveDispatch(OutcomeNoCandidate, 0)
		s.logger.Info().Str("order", o.Number).Msg("no available driver, order stays in pool")
		return order.DispatchResult{}, nil
	}
	s.metrics.ObserveDispatch(OutcomeAssigned, dist)
	s.logger.Info().Str("order", o.Number).Str("driver", best.DriverID).Float64("distance_km", dist).Msg("driver selected")

	if s.recorder != nil {
		if err := s.recorder.RecordDispatch(ctx, o.Number, []string{best.DriverID}, s.now()); err != nil {
			s.logger.Warn().Err(err).Str("order", o.Number).Msg("record dispatch")
		}
	}

	driverID := best.DriverID
	return order.DispatchResult{DriverID: &driverID, DistanceKm: &dist}, nil
}

// Record returns what was stored for an order's dispatch.
func (s *Service) Record(ctx context.Context, orderNumber string) (DispatchRecord, bool, error) {
	if s.recorder == nil {
		return DispatchRecord{}, false, nil
	}
	return s.recorder.GetDispatch(ctx, orderNumber)
}

// Nearest scans candidates once and returns the closest. Ties keep the first candidate
// encountered; candidates with a NaN distance never win.
func Nearest(candidates iter.Seq[presence.Candidate], p types.Point) (presence.Candidate, float64, bool) {
	var best presence.Candidate
	bestDist := math.Inf(1)
	found := false
	for c := range candidates {
		d := location.DistanceKm(p.Lat, p.Lng, c.Position.Lat, c.Position.Lng)
		if d < bestDist {
			best, bestDist, found = c, d, true
		}
	}
	return best, bestDist, found
}
