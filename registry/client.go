package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/internal/request"
)

// Verifier checks a GST registration identifier against the registry.
// Implementations must fail closed: any transport or API error surfaces as
// an error, and callers treat errors as "not verified".
type Verifier interface {
	VerifyGSTIN(ctx context.Context, gstin string) (bool, error)
}

// Client is the HTTP registry verifier.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

type verifyRequest struct {
	GSTIN string `json:"gstin"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func NewClient(cnf *config.Configuration) *Client {
	return &Client{
		baseURL: cnf.GST.ApiUrl,
		apiKey:  cnf.GST.ApiKey,
		timeout: time.Duration(cnf.GST.TimeoutSec) * time.Second,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "gst-registry",
			Timeout: 30 * time.Second,
		}),
	}
}

// VerifyGSTIN calls the registry verification endpoint. The circuit breaker
// short-circuits calls while the registry is down; a tripped breaker is an
// error like any other and verification stays failed-closed.
func (c *Client) VerifyGSTIN(ctx context.Context, gstin string) (bool, error) {
	if c.baseURL == "" {
		return false, fmt.Errorf("gst registry api is not configured")
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		payload, err := request.ToJsonReq(verifyRequest{GSTIN: gstin})
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", payload)
		if err != nil {
			return nil, err
		}
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		var response verifyResponse
		resp, err := request.CallWithTimeout(req, &response, c.timeout)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("registry returned status %d for gstin %s", resp.StatusCode, gstin)
		}
		return response.Valid, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}
