package memrepo

import (
	"context"
	"time"

	"github.com/rideshare/internal/model"
)

// SeedRequest создаёт поездку driverID и заявку passengerID в заданном
// статусе с теми же событиями, что вызвал бы реальный клиент.
func (s *Store) SeedRequest(driverID, passengerID string, status model.RequestStatus) (*model.RideRequest, error) {
	ctx := context.Background()
	ride := s.AddRide(model.RideSummary{
		DriverID:              driverID,
		OriginLocation:        "North Campus",
		DestinationUniversity: "State University",
		DepartureTime:         time.Now().Add(24 * time.Hour),
	})
	req, err := s.CreateRequest(ctx, ride.ID, passengerID)
	if err != nil {
		return nil, err
	}
	switch status {
	case model.RequestAccepted, model.RequestRejected:
		return s.DecideRequest(ctx, req.ID, driverID, status)
	case model.RequestCancelled:
		return s.CancelRequest(ctx, req.ID, passengerID)
	}
	return req, nil
}

// SeedMessage сохраняет сообщение от sender второй стороне заявки requestID.
func (s *Store) SeedMessage(requestID, senderID, content string) (*model.Message, error) {
	req, err := s.GetRequest(context.Background(), requestID)
	if err != nil {
		return nil, err
	}
	return s.CreateMessage(context.Background(), &model.Message{
		RideRequestID: requestID,
		SenderID:      senderID,
		ReceiverID:    req.Counterpart(senderID),
		Content:       content,
	})
}
