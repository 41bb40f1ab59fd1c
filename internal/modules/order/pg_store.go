// README: Order store backed by PostgreSQL via pgxpool.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/types"
)

const orderColumns = `
	order_number, customer_name, customer_phone, customer_address, customer_lat, customer_lng,
	assigned_driver_id, status, type_of_item, tracked_lat, tracked_lng, tracked_at,
	rating, dispatch_distance_km, created_at, updated_at, accepted_at, delivered_at`

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, o *Order) error {
	var custLat, custLng *float64
	if o.Customer.Coords != nil {
		custLat, custLng = &o.Customer.Coords.Lat, &o.Customer.Coords.Lng
	}
	var trLat, trLng *float64
	var trAt *time.Time
	if o.TrackedLocation != nil {
		trLat, trLng, trAt = &o.TrackedLocation.Lat, &o.TrackedLocation.Lng, &o.TrackedLocation.Time
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		o.Number, o.Customer.Name, o.Customer.Phone, o.Customer.Address, custLat, custLng,
		o.AssignedDriverID, string(o.Status), o.ItemType, trLat, trLng, trAt,
		o.Rating, o.DispatchDistanceKm, o.CreatedAt, o.UpdatedAt, o.AcceptedAt, o.DeliveredAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (s *PGStore) GetByNumber(ctx context.Context, number string) (*Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, number)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		query += fmt.Sprintf(" AND assigned_driver_id = $%d", len(args))
	}
	if f.Unassigned {
		query += " AND assigned_driver_id IS NULL"
	}
	query += " ORDER BY created_at DESC, order_number DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Transition is a single UPDATE ... WHERE status = $from [AND driver guard] RETURNING.
func (s *PGStore) Transition(ctx context.Context, t Transition) (*Order, error) {
	guard := ""
	if t.MatchDriver {
		if t.AllowUnassigned {
			guard = " AND (assigned_driver_id IS NULL OR assigned_driver_id = $5)"
		} else {
			guard = " AND assigned_driver_id = $5"
		}
	}
	row := s.db.QueryRow(ctx, `
		UPDATE orders SET
			status = $3::text,
			updated_at = $4,
			assigned_driver_id = COALESCE(NULLIF($5::text, ''), assigned_driver_id),
			accepted_at = CASE WHEN $3::text = 'in_transit' THEN $4 ELSE accepted_at END,
			delivered_at = CASE WHEN $3::text = 'delivered' THEN $4 ELSE delivered_at END,
			tracked_lat = CASE WHEN $6::boolean THEN NULL ELSE tracked_lat END,
			tracked_lng = CASE WHEN $6::boolean THEN NULL ELSE tracked_lng END,
			tracked_at = CASE WHEN $6::boolean THEN NULL ELSE tracked_at END
		WHERE order_number = $1 AND status = $2`+guard+`
		RETURNING `+orderColumns,
		t.Number, string(t.From), string(t.To), t.At, t.DriverID, t.ClearLocation,
	)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (s *PGStore) UpdateTrackedLocation(ctx context.Context, number string, loc TrackedLocation) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE orders SET tracked_lat = $2, tracked_lng = $3, tracked_at = $4
		WHERE order_number = $1 AND status <> 'delivered'`,
		number, loc.Lat, loc.Lng, loc.Time,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) AdminUpdate(ctx context.Context, number string, p Patch, at time.Time) (*Order, error) {
	var status *string
	if p.Status != nil {
		v := string(*p.Status)
		status = &v
	}
	row := s.db.QueryRow(ctx, `
		UPDATE orders SET
			status = COALESCE($2::text, status),
			assigned_driver_id = CASE
				WHEN $3::text IS NOT NULL THEN $3::text
				WHEN $4::boolean THEN NULL
				ELSE assigned_driver_id END,
			type_of_item = COALESCE($5::text, type_of_item),
			customer_name = COALESCE($6::text, customer_name),
			customer_phone = COALESCE($7::text, customer_phone),
			customer_address = COALESCE($8::text, customer_address),
			rating = COALESCE($9::smallint, rating),
			updated_at = $10
		WHERE order_number = $1
		RETURNING `+orderColumns,
		number, status, p.AssignedDriverID, p.ClearDriver, p.ItemType,
		p.CustomerName, p.CustomerPhone, p.CustomerAddress, p.Rating, at,
	)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *PGStore) SetRating(ctx context.Context, number string, rating int, at time.Time) (*Order, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE orders SET rating = $2, updated_at = $3
		WHERE order_number = $1 AND status = 'delivered' AND rating IS NULL
		RETURNING `+orderColumns,
		number, rating, at,
	)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (s *PGStore) Delete(ctx context.Context, number string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM orders WHERE order_number = $1`, number)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) PlaceCounts(ctx context.Context, since time.Time) ([]PlaceCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT customer_address, COUNT(*)
		FROM orders
		WHERE created_at >= $1
		GROUP BY customer_address
		ORDER BY 2 DESC, 1`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []PlaceCount{}
	for rows.Next() {
		var pc PlaceCount
		if err := rows.Scan(&pc.City, &pc.Deliveries); err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

func (s *PGStore) DailyCounts(ctx context.Context, since time.Time) ([]DayCount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM orders
		WHERE created_at >= $1
		GROUP BY day
		ORDER BY day`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []DayCount{}
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Date, &dc.Orders); err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var status string
	var custLat, custLng, trLat, trLng *float64
	var trAt *time.Time
	var rating *int16

	err := row.Scan(
		&o.Number, &o.Customer.Name, &o.Customer.Phone, &o.Customer.Address, &custLat, &custLng,
		&o.AssignedDriverID, &status, &o.ItemType, &trLat, &trLng, &trAt,
		&rating, &o.DispatchDistanceKm, &o.CreatedAt, &o.UpdatedAt, &o.AcceptedAt, &o.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	if custLat != nil && custLng != nil {
		o.Customer.Coords = &types.Point{Lat: *custLat, Lng: *custLng}
	}
	if trLat != nil && trLng != nil {
		loc := TrackedLocation{Lat: *trLat, Lng: *trLng}
		if trAt != nil {
			loc.Time = *trAt
		}
		o.TrackedLocation = &loc
	}
	if rating != nil {
		r := int(*rating)
		o.Rating = &r
	}
	return &o, nil
}
