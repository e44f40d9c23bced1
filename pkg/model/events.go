package model

import (
	"github.com/pkg/errors"
)

// Sensor types carried on the raw IoT topic.
const (
	SensorTemperature = "temperature"
	SensorHumidity    = "humidity"
	SensorPressure    = "pressure"
)

// Activity event types carried on the raw activity topic.
const (
	EventPageView = "page_view"
	EventClick    = "click"
	EventPurchase = "purchase"
)

// SensorReading is one sample from a device. Timestamp is milliseconds
// since the Unix epoch.
type SensorReading struct {
	DeviceID   string  `msgpack:"device_id" json:"device_id"`
	SensorType string  `msgpack:"sensor_type" json:"sensor_type"`
	Value      float64 `msgpack:"value" json:"value"`
	Unit       string  `msgpack:"unit" json:"unit"`
	Timestamp  float64 `msgpack:"timestamp" json:"timestamp"`
	Location   string  `msgpack:"location" json:"location"`
}

// Validate checks the fields every downstream stage relies on.
func (r *SensorReading) Validate() error {
	if r.DeviceID == "" {
		return errors.New("sensor reading missing device_id")
	}
	switch r.SensorType {
	case SensorTemperature, SensorHumidity, SensorPressure:
	default:
		return errors.Errorf("unknown sensor type %q", r.SensorType)
	}
	if r.Timestamp <= 0 {
		return errors.Errorf("sensor reading has invalid timestamp %v", r.Timestamp)
	}
	return nil
}

// ActivityEvent is one user interaction. Value is set only for purchases,
// where it carries the purchase amount.
type ActivityEvent struct {
	SessionID string   `msgpack:"session_id" json:"session_id"`
	UserID    string   `msgpack:"user_id" json:"user_id"`
	EventType string   `msgpack:"event_type" json:"event_type"`
	Page      string   `msgpack:"page" json:"page"`
	Value     *float64 `msgpack:"value,omitempty" json:"value,omitempty"`
	Timestamp float64  `msgpack:"timestamp" json:"timestamp"`
}

// Validate checks the fields every downstream stage relies on.
func (e *ActivityEvent) Validate() error {
	if e.SessionID == "" {
		return errors.New("activity event missing session_id")
	}
	switch e.EventType {
	case EventPageView, EventClick, EventPurchase:
	default:
		return errors.Errorf("unknown event type %q", e.EventType)
	}
	if e.EventType == EventPurchase && e.Value == nil {
		return errors.New("purchase event missing value")
	}
	if e.Timestamp <= 0 {
		return errors.Errorf("activity event has invalid timestamp %v", e.Timestamp)
	}
	return nil
}
