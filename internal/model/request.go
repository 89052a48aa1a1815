package model

import "time"

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// Valid reports whether s is one of the four persisted statuses.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestRejected, RequestCancelled:
		return true
	}
	return false
}

// Role is the side of a ride request a viewer is on.
type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

type RideRequest struct {
	ID                string        `json:"id"`
	RideID            string        `json:"ride_id"`
	PassengerID       string        `json:"passenger_id"`
	Status            RequestStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	HiddenByDriver    bool          `json:"hidden_by_driver"`
	HiddenByPassenger bool          `json:"hidden_by_passenger"`
	// UpdatedAt is the row version; every update moves it forward.
	UpdatedAt time.Time `json:"updated_at"`

	// Denormalized display data, filled by joins. Never present on change events.
	Ride      *RideSummary `json:"ride,omitempty"`
	Passenger *Profile     `json:"passenger,omitempty"`
	Driver    *Profile     `json:"driver,omitempty"`
}

// DriverID returns the owning driver when ride data is attached.
func (r *RideRequest) DriverID() string {
	if r.Ride == nil {
		return ""
	}
	return r.Ride.DriverID
}

// IsParty reports whether userID is the passenger or the driver of the request.
func (r *RideRequest) IsParty(userID string) bool {
	if userID == "" {
		return false
	}
	return r.PassengerID == userID || r.DriverID() == userID
}

// ChatAllowed is true only while the request is accepted.
func (r *RideRequest) ChatAllowed() bool {
	return r.Status == RequestAccepted
}

// Older reports whether r is a strictly older version of the row than held.
// Rows without a version are never considered older.
func (r *RideRequest) Older(held *RideRequest) bool {
	if r.UpdatedAt.IsZero() || held.UpdatedAt.IsZero() {
		return false
	}
	return r.UpdatedAt.Before(held.UpdatedAt)
}

// HiddenFor returns the hide flag that belongs to role.
func (r *RideRequest) HiddenFor(role Role) bool {
	if role == RoleDriver {
		return r.HiddenByDriver
	}
	return r.HiddenByPassenger
}

// Counterpart returns the other party of the request for userID.
func (r *RideRequest) Counterpart(userID string) string {
	if userID == r.PassengerID {
		return r.DriverID()
	}
	return r.PassengerID
}
