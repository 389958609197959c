package models

import "time"

// ObservationKind enumerates evidence categories.
type ObservationKind string

const (
	ObservationFrame  ObservationKind = "frame"
	ObservationLog    ObservationKind = "log"
	ObservationMetric ObservationKind = "metric"
	ObservationEvent  ObservationKind = "event"
)

// ObservationUnit is one timestamped evidence item. Immutable once created.
type ObservationUnit struct {
	ID         string
	Subject    string
	Kind       ObservationKind
	Payload    string
	Value      float64
	Severity   string
	CapturedAt time.Time
}

// TimeRange bounds an evidence window.
type TimeRange struct {
	Start time.Time
	End   time.Time
}
