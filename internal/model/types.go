package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// NodeID identifies a CASU (or any other message endpoint) after layer
// prefixes have been stripped.
type NodeID string

// SelfID is the reserved key under which a unit's own stream is tracked.
const SelfID NodeID = "self"

// Event kinds written to the append-only log.
const (
	EventIRArray      = "ir_array"
	EventTemperatures = "temperatures"
	EventState        = "state"
	EventHeatCalcs    = "heat_calcs"
	EventNeighbours   = "nh_data"
	EventSync         = "sync"
	EventFinished     = "finished"
	EventRelay        = "relay"
)

type RunInfo struct {
	VersionedRecord
	ID        string    `json:"id"`
	Unit      string    `json:"unit"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
}

// Event is one append-only log line. Fields carry the kind-specific payload in
// the order it was produced.
type Event struct {
	VersionedRecord
	RunID  string    `json:"run_id"`
	Unit   string    `json:"unit"`
	Cycle  uint64    `json:"cycle"`
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Fields []string  `json:"fields"`
}

// RGB is an indicator colour with channels in [0, 1].
type RGB struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// Indicator colours shared by the controller and the simulated device.
var (
	IndicatorOff     = RGB{}
	IndicatorNeutral = RGB{R: 0.2, G: 0.2, B: 0.2}
	IndicatorCalib   = RGB{B: 0.25}
)
