// Package config holds the tunable constants shared by the lock, job and
// curator packages: collection names, the curator's heartbeat timings and the
// job time budget.
package config

import (
	"encoding/json"
	"time"
)

// Config carries the collection names and timing constants. Collection names
// are configuration, not protocol: two deployments may use different names as
// long as every participant agrees.
type Config struct {
	// LocksCollection stores one lock record per locked (collection, key).
	LocksCollection string
	// JobsCollection stores one record per in-flight job, journal included.
	JobsCollection string
	// CuratorsCollection holds the single active-curator record.
	CuratorsCollection string
	// ActiveCuratorKey is the well-known key of the active-curator record.
	ActiveCuratorKey string

	// HeartbeatInterval is how often the active curator refreshes its record.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how stale a heartbeat may be before a challenger
	// takes over leadership.
	HeartbeatTimeout time.Duration
	// InactivityDelay is how long an inactive curator sleeps between checks.
	InactivityDelay time.Duration
	// MaxJobDuration is the wall-clock budget of a single job.
	MaxJobDuration time.Duration
	// TimeoutGrace is added on top of MaxJobDuration before the curator
	// considers a job or lock truly abandoned.
	TimeoutGrace time.Duration
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		LocksCollection:    "oiot-locks",
		JobsCollection:     "oiot-jobs",
		CuratorsCollection: "oiot-curators",
		ActiveCuratorKey:   "active",
		HeartbeatInterval:  500 * time.Millisecond,
		HeartbeatTimeout:   7500 * time.Millisecond,
		InactivityDelay:    3000 * time.Millisecond,
		MaxJobDuration:     5000 * time.Millisecond,
		TimeoutGrace:       1000 * time.Millisecond,
	}
}

// LockKey is the locks-collection key guarding one (collection, key) pair.
func LockKey(collection, key string) string {
	return collection + "-" + key
}

// DeletedValue is the reserved journal marker recording that a job deleted a
// key, distinguishable from any real payload and from an explicit null. It
// must round-trip bit-exact through JSON.
func DeletedValue() json.RawMessage {
	return json.RawMessage(`{"deleted": "{A0981677-7933-4A5C-A141-9B40E60BD411}"}`)
}

const deletedMarker = "{A0981677-7933-4A5C-A141-9B40E60BD411}"

// IsDeletedValue reports whether v is the reserved deleted-object marker,
// tolerating re-encoding differences such as whitespace.
func IsDeletedValue(v json.RawMessage) bool {
	var probe struct {
		Deleted string `json:"deleted"`
	}
	if err := json.Unmarshal(v, &probe); err != nil {
		return false
	}
	return probe.Deleted == deletedMarker
}
