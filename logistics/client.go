package logistics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/internal/request"
	"github.com/tradelane/oracle/model"
)

// TrackingUpdate is one poll result for a shipment.
type TrackingUpdate struct {
	Status      model.DeliveryStatus `json:"status"`
	RawStatus   string               `json:"raw_status"`
	Description string               `json:"description"`
}

// Tracker fetches the current status of a shipment from the carrier.
type Tracker interface {
	Track(ctx context.Context, carrier, trackingNumber string) (*TrackingUpdate, error)
}

// NewTracker returns the HTTP tracker when an endpoint is configured, and
// the deterministic simulator otherwise. The simulator is for
// non-production use; it lets the full pipeline run without a carrier
// account.
func NewTracker(cnf *config.Configuration) Tracker {
	if cnf.Logistics.ApiUrl == "" {
		logrus.Warn("logistics: no tracking api configured, using status simulator (non-production only)")
		return NewSimulator()
	}
	return &httpTracker{
		baseURL: cnf.Logistics.ApiUrl,
		apiKey:  cnf.Logistics.ApiKey,
		timeout: time.Duration(cnf.Logistics.TimeoutSec) * time.Second,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "logistics-tracking",
			Timeout: 30 * time.Second,
		}),
	}
}

type httpTracker struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

type trackResponse struct {
	Status      string `json:"status"`
	Description string `json:"description"`
}

func (t *httpTracker) Track(ctx context.Context, carrier, trackingNumber string) (*TrackingUpdate, error) {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		endpoint := fmt.Sprintf("%s/track?carrier=%s&tracking_number=%s",
			t.baseURL, url.QueryEscape(carrier), url.QueryEscape(trackingNumber))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if t.apiKey != "" {
			req.Header.Set("X-API-Key", t.apiKey)
		}

		var response trackResponse
		resp, err := request.CallWithTimeout(req, &response, t.timeout)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("tracking api returned status %d for %s", resp.StatusCode, trackingNumber)
		}
		return &response, nil
	})
	if err != nil {
		return nil, err
	}

	response := result.(*trackResponse)
	return &TrackingUpdate{
		Status:      MapStatus(response.Status),
		RawStatus:   response.Status,
		Description: response.Description,
	}, nil
}

// Simulator walks every shipment through a fixed status progression, one
// step per poll. Deterministic: the sequence depends only on how many times
// a tracking number has been polled.
type Simulator struct {
	mu    sync.Mutex
	polls map[string]int
}

var simulatedProgression = []model.DeliveryStatus{
	model.DeliveryStatusPending,
	model.DeliveryStatusInTransit,
	model.DeliveryStatusDelivered,
}

func NewSimulator() *Simulator {
	return &Simulator{polls: make(map[string]int)}
}

func (s *Simulator) Track(_ context.Context, _, trackingNumber string) (*TrackingUpdate, error) {
	s.mu.Lock()
	count := s.polls[trackingNumber]
	s.polls[trackingNumber]++
	s.mu.Unlock()

	if count >= len(simulatedProgression) {
		count = len(simulatedProgression) - 1
	}
	status := simulatedProgression[count]
	return &TrackingUpdate{
		Status:      status,
		RawStatus:   string(status),
		Description: "simulated status",
	}, nil
}
