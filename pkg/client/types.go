package client

import "time"

// SlotStatus is one entry of GET /status.
type SlotStatus struct {
	Name                 string     `json:"name"`
	IdentityKey          string     `json:"identityKey"`
	State                string     `json:"state"`
	Occupying            bool       `json:"occupying"`
	PrimaryProcessID     *int       `json:"primaryProcessId"`
	SecondaryProcessID   *int       `json:"secondaryProcessId"`
	SecondaryProcessName string     `json:"secondaryProcessName,omitempty"`
	UptimeStartedAt      *time.Time `json:"uptimeStartedAt"`
	MaintenanceDeadline  *time.Time `json:"maintenanceDeadline"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Clients []SlotStatus `json:"clients"`
}

// Health is the body of GET /healthz.
type Health struct {
	OK       bool       `json:"ok"`
	LastTick *time.Time `json:"lastTick"`
	Error    string     `json:"error,omitempty"`
}
