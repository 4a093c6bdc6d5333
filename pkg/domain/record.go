package domain

import "encoding/json"

// Aggregate keys. Each logical aggregate is stored as exactly one record in
// the medium. EssentialKeys are never evicted to make room for other writes.
const (
	KeyPresets       = "presets"
	KeyAppState      = "app-state"
	KeyPatternGroups = "pattern-groups"
	KeyConfigUnits   = "config-units"
	KeyLockFlags     = "lock-flags"
)

// AggregateKeys lists every aggregate in stable order.
var AggregateKeys = []string{KeyPresets, KeyAppState, KeyPatternGroups, KeyConfigUnits, KeyLockFlags}

// EssentialKeys are exempt from every eviction step.
var EssentialKeys = map[string]bool{
	KeyPresets:   true,
	KeyAppState:  true,
	KeyLockFlags: true,
}

// StorageRecord is the envelope written for every aggregate. When Compressed
// is set, Payload holds a JSON string with the base64 of the gzipped payload
// instead of the payload object itself.
type StorageRecord struct {
	SchemaVersion string          `json:"schemaVersion"`
	Timestamp     int64           `json:"timestamp"`
	Compressed    bool            `json:"compressed"`
	Payload       json.RawMessage `json:"payload"`
}
