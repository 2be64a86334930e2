/**
 * @description
 * This package provides a client for the agent key-shard provider: the
 * external holder of the agent-bound half of each split signing key. The
 * co-signing engine asks it for a partial signature over a payload hash and
 * waits, bounded by the session expiry, for the response.
 *
 * @notes
 * - The client only transports commitments and partial-signature scalars;
 *   shard secrets never cross this boundary.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - internal/cosign: The AgentPartial shape the engine consumes.
 */
package shardsigner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/cosign"
)

// Client is an HTTP client for the agent shard provider. It implements
// cosign.AgentSigner.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new shard provider client. The HTTP timeout stays
// above any signing session TTL so the per-request context is what bounds
// the wait.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type partialRequest struct {
	Data struct {
		SessionID         string `json:"session_id"`
		PayloadHash       string `json:"payload_hash"`       // base64
		ServiceCommitment string `json:"service_commitment"` // base64
		JointPublicKey    string `json:"joint_public_key"`   // base64
	} `json:"data"`
}

type partialResponse struct {
	Data struct {
		Commitment string `json:"commitment"` // base64
		Scalar     string `json:"scalar"`     // base64
	} `json:"data"`
}

// SignPartial requests the agent shard's partial signature for a session.
func (c *Client) SignPartial(ctx context.Context, sessionID uuid.UUID, payloadHash, serviceCommitment, jointPublicKey []byte) (*cosign.AgentPartial, error) {
	reqPayload := partialRequest{}
	reqPayload.Data.SessionID = sessionID.String()
	reqPayload.Data.PayloadHash = base64.StdEncoding.EncodeToString(payloadHash)
	reqPayload.Data.ServiceCommitment = base64.StdEncoding.EncodeToString(serviceCommitment)
	reqPayload.Data.JointPublicKey = base64.StdEncoding.EncodeToString(jointPublicKey)

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal partial request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/partials", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create partial request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shard provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shard provider returned status %d", resp.StatusCode)
	}

	var out partialResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode partial response: %w", err)
	}

	commitment, err := base64.StdEncoding.DecodeString(out.Data.Commitment)
	if err != nil {
		return nil, fmt.Errorf("bad commitment encoding in partial response: %w", err)
	}
	scalar, err := base64.StdEncoding.DecodeString(out.Data.Scalar)
	if err != nil {
		return nil, fmt.Errorf("bad scalar encoding in partial response: %w", err)
	}

	return &cosign.AgentPartial{Commitment: commitment, Scalar: scalar}, nil
}
