package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SyncStatus is the reconciliation state of a vehicle in the sync log.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncNoData  SyncStatus = "no_data"
	SyncFailed  SyncStatus = "failed"
)

// SyncEntry tracks live-fetch reconciliation for one vehicle.
// NextAttemptAt is only set while the entry is failed and still retriable.
type SyncEntry struct {
	ID            int64
	Year          int
	Make          string
	Model         string
	Status        SyncStatus
	AttemptCount  int
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time
	ErrorMessage  string
	LeaseToken    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SyncCounts aggregates the sync log by status.
type SyncCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Success int `json:"success"`
	NoData  int `json:"no_data"`
	Failed  int `json:"failed"`
}

// RatingStats aggregates the ratings table.
type RatingStats struct {
	Total   int `json:"total"`
	CSV     int `json:"csv"`
	API     int `json:"api"`
	Manual  int `json:"manual"`
	Rated   int `json:"rated"`
	Unrated int `json:"unrated"`
	Expired int `json:"expired"`
}

// YearMake is one (year, make) pair of the vehicle catalog.
type YearMake struct {
	Year int
	Make string
}
