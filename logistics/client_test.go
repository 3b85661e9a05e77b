package logistics

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/model"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		raw      string
		expected model.DeliveryStatus
	}{
		{"delivered", model.DeliveryStatusDelivered},
		{"returned", model.DeliveryStatusReturned},
		{"exception", model.DeliveryStatusException},
		{"foo-unknown", model.DeliveryStatusUnknown},
		{"IN_TRANSIT", model.DeliveryStatusInTransit},
		{"out-for-delivery", model.DeliveryStatusOutForDelivery},
		{"Out For Delivery", model.DeliveryStatusOutForDelivery},
		{"canceled", model.DeliveryStatusCancelled},
		{"error", model.DeliveryStatusError},
		{"", model.DeliveryStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.expected, MapStatus(tt.raw))
		})
	}
}

func TestHTTPTracker(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet,
		`=~^https://track\.example\.com/track`,
		httpmock.NewStringResponder(200, `{"status": "out_for_delivery", "description": "arriving today"}`))

	cnf := &config.Configuration{}
	cnf.Logistics.ApiUrl = "https://track.example.com"
	cnf.Logistics.TimeoutSec = 2
	tracker := NewTracker(cnf)

	update, err := tracker.Track(context.Background(), "delhivery", "DL-998877")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusOutForDelivery, update.Status)
	assert.Equal(t, "out_for_delivery", update.RawStatus)
	assert.Equal(t, "arriving today", update.Description)
}

func TestHTTPTrackerServerError(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet,
		`=~^https://track\.example\.com/track`,
		httpmock.NewStringResponder(500, `{}`))

	cnf := &config.Configuration{}
	cnf.Logistics.ApiUrl = "https://track.example.com"
	cnf.Logistics.TimeoutSec = 2
	tracker := NewTracker(cnf)

	_, err := tracker.Track(context.Background(), "delhivery", "DL-998877")
	assert.Error(t, err)
}

func TestNewTrackerFallsBackToSimulator(t *testing.T) {
	tracker := NewTracker(&config.Configuration{})
	_, ok := tracker.(*Simulator)
	assert.True(t, ok)
}

func TestSimulatorProgression(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()

	expected := []model.DeliveryStatus{
		model.DeliveryStatusPending,
		model.DeliveryStatusInTransit,
		model.DeliveryStatusDelivered,
		model.DeliveryStatusDelivered, // stays terminal
	}
	for i, want := range expected {
		update, err := sim.Track(ctx, "sim", "trk-123")
		require.NoError(t, err)
		assert.Equal(t, want, update.Status, "poll %d", i)
	}

	// Independent shipments progress independently.
	update, err := sim.Track(ctx, "sim", "trk-456")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusPending, update.Status)
}
