/**
 * @description
 * This package provides a client for the external compliance provider. It
 * encapsulates the authenticated HTTP calls for sanctions screening of
 * recipient addresses, agent identity (KYA) status lookups, and agent risk
 * scoring.
 *
 * @notes
 * - Transport failures are surfaced as errors, never as a clear result; the
 *   permission gate maps them to "indeterminate" reason codes.
 *
 * @dependencies
 * - context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Screening verdicts.
const (
	ScreeningClear         = "clear"
	ScreeningFlagged       = "flagged"
	ScreeningIndeterminate = "indeterminate"
)

// Identity (KYA) statuses.
const (
	IdentityVerified   = "verified"
	IdentityUnverified = "unverified"
	IdentityExpired    = "expired"
)

// Provider is the compliance boundary consumed by the permission gate.
type Provider interface {
	ScreenAddress(ctx context.Context, address string) (string, error)
	IdentityStatus(ctx context.Context, agentID uuid.UUID) (string, error)
	RiskScore(ctx context.Context, agentID uuid.UUID) (float64, error)
}

// Client is an HTTP client for the compliance provider API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new compliance provider client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type screeningResponse struct {
	Data struct {
		Address string `json:"address"`
		Verdict string `json:"verdict"`
	} `json:"data"`
}

type identityResponse struct {
	Data struct {
		AgentID string `json:"agent_id"`
		Status  string `json:"status"`
	} `json:"data"`
}

type riskResponse struct {
	Data struct {
		AgentID string  `json:"agent_id"`
		Score   float64 `json:"score"`
	} `json:"data"`
}

// ScreenAddress checks a settlement address against the provider's denylist.
func (c *Client) ScreenAddress(ctx context.Context, address string) (string, error) {
	var resp screeningResponse
	path := "/v1/screenings/" + url.PathEscape(address)
	if err := c.get(ctx, path, &resp); err != nil {
		return "", err
	}
	switch resp.Data.Verdict {
	case ScreeningClear, ScreeningFlagged, ScreeningIndeterminate:
		return resp.Data.Verdict, nil
	default:
		return "", fmt.Errorf("unknown screening verdict %q", resp.Data.Verdict)
	}
}

// IdentityStatus returns the agent's KYA verification status.
func (c *Client) IdentityStatus(ctx context.Context, agentID uuid.UUID) (string, error) {
	var resp identityResponse
	if err := c.get(ctx, "/v1/identities/"+agentID.String(), &resp); err != nil {
		return "", err
	}
	switch resp.Data.Status {
	case IdentityVerified, IdentityUnverified, IdentityExpired:
		return resp.Data.Status, nil
	default:
		return "", fmt.Errorf("unknown identity status %q", resp.Data.Status)
	}
}

// RiskScore returns the provider's current risk score for the agent.
func (c *Client) RiskScore(ctx context.Context, agentID uuid.UUID) (float64, error) {
	var resp riskResponse
	if err := c.get(ctx, "/v1/risk-scores/"+agentID.String(), &resp); err != nil {
		return 0, err
	}
	return resp.Data.Score, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("compliance provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("compliance provider returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode compliance response: %w", err)
	}
	return nil
}
