package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rideshare/internal/logger"
	"github.com/rideshare/internal/model"
)

type RequestRepository struct {
	pool *pgxpool.Pool
}

func NewRequestRepository(pool *pgxpool.Pool) *RequestRepository {
	return &RequestRepository{pool: pool}
}

const requestSelect = `
SELECT rr.id, rr.ride_id, rr.passenger_id, rr.status, rr.created_at, rr.hidden_by_driver, rr.hidden_by_passenger, rr.updated_at,
       r.id, r.driver_id, r.origin_location, r.destination_university, r.departure_time, r.status,
       COALESCE(p.id::text, ''), COALESCE(p.full_name, ''), COALESCE(p.university_name, ''),
       COALESCE(d.id::text, ''), COALESCE(d.full_name, ''), COALESCE(d.university_name, '')
FROM ride_requests rr
JOIN rides r ON r.id = rr.ride_id
LEFT JOIN profiles p ON p.id = rr.passenger_id
LEFT JOIN profiles d ON d.id = r.driver_id`

func scanRequest(row pgx.Row) (*model.RideRequest, error) {
	rr := &model.RideRequest{Ride: &model.RideSummary{}}
	p, d := &model.Profile{}, &model.Profile{}
	err := row.Scan(&rr.ID, &rr.RideID, &rr.PassengerID, &rr.Status, &rr.CreatedAt, &rr.HiddenByDriver, &rr.HiddenByPassenger, &rr.UpdatedAt,
		&rr.Ride.ID, &rr.Ride.DriverID, &rr.Ride.OriginLocation, &rr.Ride.DestinationUniversity, &rr.Ride.DepartureTime, &rr.Ride.Status,
		&p.ID, &p.FullName, &p.UniversityName,
		&d.ID, &d.FullName, &d.UniversityName)
	if err != nil {
		return nil, err
	}
	if p.ID != "" {
		rr.Passenger = p
	}
	if d.ID != "" {
		rr.Driver = d
	}
	return rr, nil
}

func (r *RequestRepository) list(ctx context.Context, op, where string, arg any) ([]*model.RideRequest, error) {
	rows, err := r.pool.Query(ctx, requestSelect+" WHERE "+where+" ORDER BY rr.created_at DESC, rr.id DESC", arg)
	if err != nil {
		return nil, fmt.Errorf("requestRepo.%s query: %w", op, err)
	}
	defer rows.Close()
	var out []*model.RideRequest
	for rows.Next() {
		rr, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("requestRepo.%s scan: %w", op, err)
		}
		out = append(out, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("requestRepo.%s rows: %w", op, err)
	}
	return out, nil
}

func (r *RequestRepository) GetRequest(ctx context.Context, id string) (*model.RideRequest, error) {
	defer logger.DeferLogDuration("request.GetRequest", time.Now())()
	rr, err := scanRequest(r.pool.QueryRow(ctx, requestSelect+" WHERE rr.id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("requestRepo.GetRequest: %w", err)
	}
	return rr, nil
}

// ListForDriver возвращает открытые и принятые заявки на активные поездки водителя.
func (r *RequestRepository) ListForDriver(ctx context.Context, driverID string) ([]*model.RideRequest, error) {
	defer logger.DeferLogDuration("request.ListForDriver", time.Now())()
	return r.list(ctx, "ListForDriver",
		`r.driver_id = $1 AND r.status <> 'cancelled' AND rr.status IN ('pending', 'accepted') AND NOT rr.hidden_by_driver`,
		driverID)
}

func (r *RequestRepository) ListForPassenger(ctx context.Context, passengerID string) ([]*model.RideRequest, error) {
	defer logger.DeferLogDuration("request.ListForPassenger", time.Now())()
	return r.list(ctx, "ListForPassenger", `rr.passenger_id = $1 AND NOT rr.hidden_by_passenger`, passengerID)
}

// CreateRequest вставляет заявку pending. Частичный уникальный индекс по
// (ride_id, passenger_id) для неотменённых строк отклоняет дубликаты.
func (r *RequestRepository) CreateRequest(ctx context.Context, rideID, passengerID string) (*model.RideRequest, error) {
	defer logger.DeferLogDuration("request.CreateRequest", time.Now())()
	var driverID string
	var status model.RideStatus
	err := r.pool.QueryRow(ctx, `SELECT driver_id, status FROM rides WHERE id = $1`, rideID).Scan(&driverID, &status)
	if errors.Is(err, pgx.ErrNoRows) || status == model.RideCancelled {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("requestRepo.CreateRequest ride: %w", err)
	}
	if driverID == passengerID {
		return nil, model.ErrAccessDenied
	}
	var id string
	err = r.pool.QueryRow(ctx,
		`INSERT INTO ride_requests (ride_id, passenger_id, status) VALUES ($1, $2, 'pending') RETURNING id`,
		rideID, passengerID,
	).Scan(&id)
	if isUniqueViolation(err) {
		return nil, model.ErrAlreadyRequested
	}
	if err != nil {
		return nil, fmt.Errorf("requestRepo.CreateRequest: %w", err)
	}
	return r.GetRequest(ctx, id)
}

// explain объясняет, почему условный UPDATE не затронул ни одной строки.
func (r *RequestRepository) explain(ctx context.Context, id, userID string, role model.Role) error {
	rr, err := r.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if (role == model.RoleDriver && rr.DriverID() != userID) || (role == model.RolePassenger && rr.PassengerID != userID) {
		return model.ErrAccessDenied
	}
	return fmt.Errorf("%w: request is %s", model.ErrInvalidTransition, rr.Status)
}

func (r *RequestRepository) DecideRequest(ctx context.Context, id, driverID string, to model.RequestStatus) (*model.RideRequest, error) {
	defer logger.DeferLogDuration("request.DecideRequest", time.Now())()
	if to != model.RequestAccepted && to != model.RequestRejected {
		return nil, model.ErrInvalidTransition
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE ride_requests rr SET status = $3
		 FROM rides r
		 WHERE rr.id = $1 AND r.id = rr.ride_id AND r.driver_id = $2 AND rr.status = 'pending'`,
		id, driverID, to,
	)
	if err != nil {
		return nil, fmt.Errorf("requestRepo.DecideRequest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.explain(ctx, id, driverID, model.RoleDriver)
	}
	return r.GetRequest(ctx, id)
}

func (r *RequestRepository) CancelRequest(ctx context.Context, id, passengerID string) (*model.RideRequest, error) {
	defer logger.DeferLogDuration("request.CancelRequest", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE ride_requests SET status = 'cancelled'
		 WHERE id = $1 AND passenger_id = $2 AND status IN ('pending', 'accepted')`,
		id, passengerID,
	)
	if err != nil {
		return nil, fmt.Errorf("requestRepo.CancelRequest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.explain(ctx, id, passengerID, model.RolePassenger)
	}
	return r.GetRequest(ctx, id)
}

// HideRequest выставляет флаг скрытия role у решённой заявки. Флаги не сбрасываются.
func (r *RequestRepository) HideRequest(ctx context.Context, id string, role model.Role, userID string) (*model.RideRequest, error) {
	defer logger.DeferLogDuration("request.HideRequest", time.Now())()
	var (
		tagRows int64
		err     error
	)
	switch role {
	case model.RoleDriver:
		tag, e := r.pool.Exec(ctx,
			`UPDATE ride_requests rr SET hidden_by_driver = true
			 FROM rides r
			 WHERE rr.id = $1 AND r.id = rr.ride_id AND r.driver_id = $2 AND rr.status <> 'pending'`,
			id, userID)
		tagRows, err = tag.RowsAffected(), e
	case model.RolePassenger:
		tag, e := r.pool.Exec(ctx,
			`UPDATE ride_requests SET hidden_by_passenger = true WHERE id = $1 AND passenger_id = $2 AND status <> 'pending'`,
			id, userID)
		tagRows, err = tag.RowsAffected(), e
	default:
		return nil, model.ErrAccessDenied
	}
	if err != nil {
		return nil, fmt.Errorf("requestRepo.HideRequest: %w", err)
	}
	if tagRows == 0 {
		return nil, r.explain(ctx, id, userID, role)
	}
	return r.GetRequest(ctx, id)
}
