package model

import "time"

type RideStatus string

const (
	RideActive    RideStatus = "active"
	RideCancelled RideStatus = "cancelled"
)

// RideSummary is the part of a ride shown next to its requests.
type RideSummary struct {
	ID                    string     `json:"id"`
	DriverID              string     `json:"driver_id"`
	OriginLocation        string     `json:"origin_location"`
	DestinationUniversity string     `json:"destination_university"`
	DepartureTime         time.Time  `json:"departure_time"`
	Status                RideStatus `json:"status"`
}

type Profile struct {
	ID             string `json:"id"`
	FullName       string `json:"full_name"`
	UniversityName string `json:"university_name"`
}
