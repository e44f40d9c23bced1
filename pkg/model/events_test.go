package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSensorReadingRoundTrip(t *testing.T) {
	in := &SensorReading{
		DeviceID:   "device_1",
		SensorType: SensorTemperature,
		Value:      22.5,
		Unit:       "celsius",
		Timestamp:  1700000000000,
		Location:   "factory_a",
	}

	data, err := MarshalSensorReading(in)
	require.NoError(t, err)

	out, err := UnmarshalSensorReading(data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestUnmarshalSensorReadingRejectsBadInput(t *testing.T) {
	_, err := UnmarshalSensorReading([]byte("not msgpack"))
	require.Error(t, err)

	data, err := MarshalSensorReading(&SensorReading{
		DeviceID:   "device_1",
		SensorType: "voltage",
		Timestamp:  1700000000000,
	})
	require.NoError(t, err)
	_, err = UnmarshalSensorReading(data)
	require.Error(t, err)

	data, err = MarshalSensorReading(&SensorReading{
		DeviceID:   "device_1",
		SensorType: SensorHumidity,
		Timestamp:  0,
	})
	require.NoError(t, err)
	_, err = UnmarshalSensorReading(data)
	require.Error(t, err)
}

func TestActivityEventRoundTrip(t *testing.T) {
	amount := 49.99
	in := &ActivityEvent{
		SessionID: "sess_1",
		UserID:    "user_1",
		EventType: EventPurchase,
		Page:      "/checkout",
		Value:     &amount,
		Timestamp: 1700000000000,
	}

	data, err := MarshalActivityEvent(in)
	require.NoError(t, err)

	out, err := UnmarshalActivityEvent(data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestActivityEventValidate(t *testing.T) {
	amount := 10.0

	tests := []struct {
		name  string
		event ActivityEvent
		valid bool
	}{
		{
			name:  "page view without value",
			event: ActivityEvent{SessionID: "s", UserID: "u", EventType: EventPageView, Page: "/", Timestamp: 1},
			valid: true,
		},
		{
			name:  "purchase with value",
			event: ActivityEvent{SessionID: "s", UserID: "u", EventType: EventPurchase, Page: "/", Value: &amount, Timestamp: 1},
			valid: true,
		},
		{
			name:  "purchase without value",
			event: ActivityEvent{SessionID: "s", UserID: "u", EventType: EventPurchase, Page: "/", Timestamp: 1},
			valid: false,
		},
		{
			name:  "unknown event type",
			event: ActivityEvent{SessionID: "s", UserID: "u", EventType: "scroll", Page: "/", Timestamp: 1},
			valid: false,
		},
		{
			name:  "missing session",
			event: ActivityEvent{UserID: "u", EventType: EventClick, Page: "/", Timestamp: 1},
			valid: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
