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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) ListMessages(ctx context.Context, requestID string) ([]*model.Message, error) {
	defer logger.DeferLogDuration("msg.ListMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, ride_request_id, sender_id, receiver_id, content, created_at, is_read
		 FROM messages
		 WHERE ride_request_id = $1
		 ORDER BY created_at ASC, id ASC`, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListMessages query: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(&m.ID, &m.RideRequestID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt, &m.IsRead); err != nil {
			return nil, fmt.Errorf("msgRepo.ListMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListMessages rows: %w", err)
	}
	return messages, nil
}

// CreateMessage inserts a message only when the request is accepted and the
// sender/receiver pair is exactly its two parties.
func (r *MessageRepository) CreateMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.CreateMessage", time.Now())()
	out := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO messages (ride_request_id, sender_id, receiver_id, content)
		 SELECT rr.id, $2::uuid, $3::uuid, $4
		 FROM ride_requests rr
		 JOIN rides r ON r.id = rr.ride_id
		 WHERE rr.id = $1 AND rr.status = 'accepted'
		   AND (($2::uuid = rr.passenger_id AND $3::uuid = r.driver_id) OR ($2::uuid = r.driver_id AND $3::uuid = rr.passenger_id))
		 RETURNING id, ride_request_id, sender_id, receiver_id, content, created_at, is_read`,
		m.RideRequestID, m.SenderID, m.ReceiverID, m.Content,
	).Scan(&out.ID, &out.RideRequestID, &out.SenderID, &out.ReceiverID, &out.Content, &out.CreatedAt, &out.IsRead)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccessDenied
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.CreateMessage: %w", err)
	}
	return out, nil
}

func collectMarks(rows pgx.Rows) ([]model.ReadMark, error) {
	defer rows.Close()
	var marks []model.ReadMark
	for rows.Next() {
		var m model.ReadMark
		if err := rows.Scan(&m.ID, &m.RideRequestID, &m.CreatedAt); err != nil {
			return nil, err
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

// MarkRead flips every unread message of the request addressed to receiverID
// and returns exactly the rows that changed.
func (r *MessageRepository) MarkRead(ctx context.Context, requestID, receiverID string) ([]model.ReadMark, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET is_read = true
		 WHERE ride_request_id = $1 AND receiver_id = $2 AND NOT is_read
		 RETURNING id, ride_request_id, created_at`, requestID, receiverID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	marks, err := collectMarks(rows)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkRead scan: %w", err)
	}
	return marks, nil
}

func (r *MessageRepository) MarkMessageRead(ctx context.Context, messageID, receiverID string) ([]model.ReadMark, error) {
	defer logger.DeferLogDuration("msg.MarkMessageRead", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET is_read = true
		 WHERE id = $1 AND receiver_id = $2 AND NOT is_read
		 RETURNING id, ride_request_id, created_at`, messageID, receiverID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkMessageRead: %w", err)
	}
	marks, err := collectMarks(rows)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.MarkMessageRead scan: %w", err)
	}
	return marks, nil
}

// CountUnreadByRequest counts unread messages per request in one statement;
// AsOf is that statement's transaction time.
func (r *MessageRepository) CountUnreadByRequest(ctx context.Context, receiverID string) (model.UnreadTally, error) {
	defer logger.DeferLogDuration("msg.CountUnreadByRequest", time.Now())()
	t := model.UnreadTally{}
	err := r.pool.QueryRow(ctx,
		`SELECT now(), COALESCE(jsonb_object_agg(c.ride_request_id, c.n), '{}'::jsonb)
		 FROM (
		     SELECT ride_request_id::text AS ride_request_id, count(*) AS n
		     FROM messages
		     WHERE receiver_id = $1 AND NOT is_read
		     GROUP BY ride_request_id
		 ) c`, receiverID,
	).Scan(&t.AsOf, &t.ByRequest)
	if err != nil {
		return model.UnreadTally{}, fmt.Errorf("msgRepo.CountUnreadByRequest: %w", err)
	}
	if t.ByRequest == nil {
		t.ByRequest = make(map[string]int)
	}
	return t, nil
}
