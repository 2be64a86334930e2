/**
 * @description
 * This file contains the HTTP handlers for the payment-service's API
 * endpoints. Handlers parse incoming requests, call the orchestrator service,
 * and map domain errors onto HTTP status codes.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/ledger, internal/store,
 *   internal/vault: Service logic, models, and sentinel errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentrail/payment-service/internal/app"
	"github.com/agentrail/payment-service/internal/domain"
	"github.com/agentrail/payment-service/internal/ledger"
	"github.com/agentrail/payment-service/internal/store"
	"github.com/agentrail/payment-service/internal/vault"
)

// PaymentHandlers holds the orchestrator service and rate limiter the
// handlers use.
type PaymentHandlers struct {
	service *app.Service
	limiter *app.RedisPaymentRateLimiter
}

// NewPaymentHandlers creates a new instance of PaymentHandlers.
func NewPaymentHandlers(service *app.Service, limiter *app.RedisPaymentRateLimiter) *PaymentHandlers {
	return &PaymentHandlers{service: service, limiter: limiter}
}

// paymentResponse is returned for payment creation and lookups.
type paymentResponse struct {
	PaymentID     string               `json:"payment_id"`
	Status        string               `json:"status"`
	Amount        int64                `json:"amount"`
	Fee           int64                `json:"fee"`
	Chain         string               `json:"chain"`
	FailureReason *string              `json:"failure_reason,omitempty"`
	SettlementRef *string              `json:"settlement_ref,omitempty"`
	GateFailures  []domain.GateFailure `json:"gate_failures,omitempty"`
}

func buildPaymentResponse(p *domain.Payment, gateResult *domain.GateResult) paymentResponse {
	resp := paymentResponse{
		PaymentID:     p.ID.String(),
		Status:        p.Status,
		Amount:        p.Amount,
		Fee:           p.Fee,
		Chain:         string(p.Chain),
		FailureReason: p.FailureReason,
		SettlementRef: p.SettlementRef,
	}
	if gateResult != nil {
		resp.GateFailures = gateResult.Failures
	}
	return resp
}

// CreatePaymentHandler handles agent payment initiation.
func (h *PaymentHandlers) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := GetAgentID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Agent not authenticated")
		return
	}

	if h.limiter != nil {
		allowed, retryAfter, err := h.limiter.Allow(r.Context(), agentID.String())
		if err != nil {
			// Fail open: a limiter outage must not block payments.
			log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" agent_id=%s err=%v", agentID, err)
		} else if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Payment rate limit exceeded")
			return
		}
	}

	var req domain.CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment, gateResult, err := h.service.ExecutePayment(r.Context(), agentID, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrValidation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrGateRejected):
			h.writeJSON(w, http.StatusForbidden, buildPaymentResponse(payment, gateResult))
		case errors.Is(err, ledger.ErrInsufficientCredit):
			h.writeJSON(w, http.StatusConflict, buildPaymentResponse(payment, nil))
		case errors.Is(err, ledger.ErrAgentSuspended):
			h.writeJSON(w, http.StatusForbidden, buildPaymentResponse(payment, nil))
		case errors.Is(err, app.ErrSettlementRejected):
			// The chain refused the transfer; the hold is already released.
			h.writeJSON(w, http.StatusUnprocessableEntity, buildPaymentResponse(payment, nil))
		default:
			log.Printf("level=error component=api msg=\"payment execution failed\" agent_id=%s err=%v", agentID, err)
			if payment != nil {
				h.writeJSON(w, http.StatusInternalServerError, buildPaymentResponse(payment, nil))
			} else {
				h.writeError(w, http.StatusInternalServerError, "Payment processing failed")
			}
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, buildPaymentResponse(payment, nil))
}

// GetPaymentHandler returns one of the authenticated agent's payments.
func (h *PaymentHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := GetAgentID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Agent not authenticated")
		return
	}
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID")
		return
	}

	payment, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			h.writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		log.Printf("level=error component=api msg=\"payment lookup failed\" payment_id=%s err=%v", paymentID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch payment")
		return
	}
	if payment.AgentID != agentID {
		h.writeError(w, http.StatusNotFound, "Payment not found")
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// ListPaymentsHandler returns the authenticated agent's payment history.
func (h *PaymentHandlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := GetAgentID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Agent not authenticated")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	payments, err := h.service.ListAgentPayments(r.Context(), agentID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api msg=\"payment history query failed\" agent_id=%s err=%v", agentID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch payments")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

// GetAccountHandler returns the authenticated agent's credit standing.
func (h *PaymentHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := GetAgentID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Agent not authenticated")
		return
	}

	agent, err := h.service.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			h.writeError(w, http.StatusNotFound, "Agent not found")
			return
		}
		log.Printf("level=error component=api msg=\"agent lookup failed\" agent_id=%s err=%v", agentID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch account")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":     agent,
		"available": agent.Available(),
	})
}

// RepaymentHandler applies a repayment against the agent's outstanding balance.
func (h *PaymentHandlers) RepaymentHandler(w http.ResponseWriter, r *http.Request) {
	agentID, ok := GetAgentID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Agent not authenticated")
		return
	}

	var req domain.RepaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	agent, err := h.service.Repay(r.Context(), agentID, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrValidation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrRepaymentExceedsOutstanding):
			h.writeError(w, http.StatusConflict, "Repayment exceeds outstanding balance")
		case errors.Is(err, store.ErrAgentNotFound):
			h.writeError(w, http.StatusNotFound, "Agent not found")
		default:
			log.Printf("level=error component=api msg=\"repayment failed\" agent_id=%s err=%v", agentID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process repayment")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":     agent,
		"available": agent.Available(),
	})
}

// RegisterAgentHandler provisions a new agent with a split signing key.
// Internal surface only; the agent shard is returned exactly once.
func (h *PaymentHandlers) RegisterAgentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.service.RegisterAgent(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api msg=\"agent registration failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to register agent")
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// CreateMerchantHandler registers a merchant in the pending state.
func (h *PaymentHandlers) CreateMerchantHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateMerchantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	merchant, err := h.service.CreateMerchant(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrValidation) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api msg=\"merchant creation failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to create merchant")
		return
	}

	h.writeJSON(w, http.StatusCreated, merchant)
}

// UpdateMerchantStatusHandler moves a merchant between approval states.
func (h *PaymentHandlers) UpdateMerchantStatusHandler(w http.ResponseWriter, r *http.Request) {
	merchantID, err := uuid.Parse(chi.URLParam(r, "merchantID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid merchant ID")
		return
	}

	var req domain.UpdateMerchantStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	merchant, err := h.service.UpdateMerchantStatus(r.Context(), merchantID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrValidation):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrMerchantNotFound):
			h.writeError(w, http.StatusNotFound, "Merchant not found")
		default:
			log.Printf("level=error component=api msg=\"merchant status update failed\" merchant_id=%s err=%v", merchantID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to update merchant")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, merchant)
}

// VaultDepositHandler mints shares for a lender deposit.
func (h *PaymentHandlers) VaultDepositHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.VaultDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.LenderID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "lender_id is required")
		return
	}

	shares, err := h.service.VaultDeposit(r.Context(), req)
	if err != nil {
		log.Printf("level=error component=api msg=\"vault deposit failed\" lender_id=%s err=%v", req.LenderID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to process deposit")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"lender_id": req.LenderID,
		"shares":    shares,
	})
}

// VaultWithdrawHandler burns a lender's shares for an asset payout.
func (h *PaymentHandlers) VaultWithdrawHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.VaultWithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.LenderID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "lender_id is required")
		return
	}

	assets, err := h.service.VaultWithdraw(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrInsufficientShares):
			h.writeError(w, http.StatusConflict, "Insufficient share balance")
		case errors.Is(err, vault.ErrVaultInsolvency):
			h.writeError(w, http.StatusConflict, "Withdrawal would breach the vault's solvency margin")
		default:
			log.Printf("level=error component=api msg=\"vault withdrawal failed\" lender_id=%s err=%v", req.LenderID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process withdrawal")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"lender_id": req.LenderID,
		"assets":    assets,
	})
}

// VaultStateHandler returns the pool totals and current share price.
func (h *PaymentHandlers) VaultStateHandler(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.VaultState(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"vault state query failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch vault state")
		return
	}
	price, err := h.service.VaultSharePrice(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"share price query failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch vault state")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":       state,
		"share_price": price,
	})
}

// VaultPositionHandler returns one lender's share balance.
func (h *PaymentHandlers) VaultPositionHandler(w http.ResponseWriter, r *http.Request) {
	lenderID, err := uuid.Parse(chi.URLParam(r, "lenderID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid lender ID")
		return
	}

	position, err := h.service.VaultPosition(r.Context(), lenderID)
	if err != nil {
		if errors.Is(err, store.ErrPositionNotFound) {
			h.writeError(w, http.StatusNotFound, "Position not found")
			return
		}
		log.Printf("level=error component=api msg=\"position lookup failed\" lender_id=%s err=%v", lenderID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch position")
		return
	}

	h.writeJSON(w, http.StatusOK, position)
}

// FeeQuoteHandler returns the platform fee for a prospective amount.
func (h *PaymentHandlers) FeeQuoteHandler(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		h.writeError(w, http.StatusBadRequest, "amount query parameter must be a positive integer")
		return
	}
	fee := h.service.Fee(amount)
	h.writeJSON(w, http.StatusOK, map[string]int64{
		"amount": amount,
		"fee":    fee,
		"total":  amount + fee,
	})
}

// writeJSON is a helper for writing JSON responses.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

// writeError is a helper for writing a JSON error response.
func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
