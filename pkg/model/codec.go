package model

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MarshalSensorReading encodes a reading for the bus.
func MarshalSensorReading(r *SensorReading) ([]byte, error) {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encoding sensor reading")
	}
	return data, nil
}

// UnmarshalSensorReading decodes and validates one bus record.
func UnmarshalSensorReading(data []byte) (*SensorReading, error) {
	var r SensorReading
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decoding sensor reading")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// MarshalActivityEvent encodes an event for the bus.
func MarshalActivityEvent(e *ActivityEvent) ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encoding activity event")
	}
	return data, nil
}

// UnmarshalActivityEvent decodes and validates one bus record.
func UnmarshalActivityEvent(data []byte) (*ActivityEvent, error) {
	var e ActivityEvent
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decoding activity event")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
