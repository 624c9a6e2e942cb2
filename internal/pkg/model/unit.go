package model

import "time"

// UnitRecord is the persisted view of a unit, used to restore the registry
// on start.
type UnitRecord struct {
	MAC        string    `json:"mac"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Name       string    `json:"name"`
	UnitNumber int       `json:"unit_number"`
	Build      string    `json:"build"`
	LastSeen   time.Time `json:"last_seen"`
}
