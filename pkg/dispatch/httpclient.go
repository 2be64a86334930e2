/**
 * @description
 * HTTP implementations of the settlement dispatcher for the two supported
 * chain families. Both speak the same relay protocol; they differ in the
 * chain they declare and the endpoint they target, so the shared mechanics
 * live in one embedded client.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - internal/domain: Chain identifiers.
 */
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/domain"
)

type httpDispatcher struct {
	chain      domain.Chain
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewEVMDispatcher creates a dispatcher for EVM-compatible chains.
func NewEVMDispatcher(baseURL, apiKey string) Dispatcher {
	return &httpDispatcher{
		chain:   domain.ChainEVM,
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewAccountDispatcher creates a dispatcher for account-model chains.
func NewAccountDispatcher(baseURL, apiKey string) Dispatcher {
	return &httpDispatcher{
		chain:   domain.ChainAccount,
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (d *httpDispatcher) Chain() domain.Chain {
	return d.chain
}

type broadcastRequest struct {
	Data SignedPayload `json:"data"`
}

type broadcastResponse struct {
	Data BroadcastResult `json:"data"`
}

// Broadcast submits the signed payload. The Idempotency-Key header carries
// the payment id so the relay deduplicates resubmissions.
func (d *httpDispatcher) Broadcast(ctx context.Context, payload SignedPayload) (*BroadcastResult, error) {
	body, err := json.Marshal(broadcastRequest{Data: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/broadcasts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create broadcast request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.PaymentID.String())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// The request may have reached the relay; the outcome is unknown,
		// not a rejection.
		return nil, fmt.Errorf("%w: %v", ErrIndeterminate, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		var out broadcastResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("%w: undecodable relay response", ErrIndeterminate)
		}
		return &out.Data, nil
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		var out broadcastResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return &BroadcastResult{Outcome: OutcomeRejected, Reason: fmt.Sprintf("relay status %d", resp.StatusCode)}, nil
		}
		if out.Data.Outcome == "" {
			out.Data.Outcome = OutcomeRejected
		}
		return &out.Data, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: relay status %d", ErrIndeterminate, resp.StatusCode)
	default:
		return nil, fmt.Errorf("unexpected relay status %d", resp.StatusCode)
	}
}

// Status polls the relay for a previously broadcast payment.
func (d *httpDispatcher) Status(ctx context.Context, paymentID uuid.UUID) (*BroadcastResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/broadcasts/"+paymentID.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndeterminate, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.New("no broadcast found for payment " + paymentID.String())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: relay status %d", ErrIndeterminate, resp.StatusCode)
	}

	var out broadcastResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &out.Data, nil
}
