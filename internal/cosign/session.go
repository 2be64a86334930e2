/**
 * @description
 * This file implements the interactive 2-of-2 co-signing protocol as an
 * explicit session state machine:
 *
 *   opened -> agent-partial-received -> combined   (terminal success)
 *                                    -> expired    (terminal failure)
 *
 * The service opens a session binding a nonce and the exact payload hash,
 * publishes its nonce commitment, waits (bounded) for the agent's partial
 * signature, verifies the partial is well-formed and bound to the session's
 * payload, and combines it with its own shard-derived partial into a single
 * Ed25519 signature over the payload.
 *
 * @notes
 * - Cancellation is a state transition: expiry only applies while the
 *   session is still `opened`, so a just-arrived partial is never
 *   retroactively invalidated.
 * - Shard material is supplied by the caller and never persisted or logged
 *   here.
 * - The engine does not retry; a failed session is terminal and the
 *   orchestrator decides whether to open a fresh one.
 *
 * @dependencies
 * - context, crypto/ed25519, crypto/sha512, sync, time: Standard Go libraries.
 * - filippo.io/edwards25519: Scalar and point arithmetic.
 */

package cosign

import (
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"
	"sync"
	"time"

	"filippo.io/edwards25519"
	"github.com/google/uuid"
)

// Session states.
type SessionState string

const (
	StateOpened       SessionState = "opened"
	StateAgentPartial SessionState = "agent-partial-received"
	StateCombined     SessionState = "combined"
	StateExpired      SessionState = "expired"
)

var (
	// ErrSigningTimeout is returned when the agent does not deliver a
	// partial within the session's bounded wait. Retryable with a fresh session.
	ErrSigningTimeout = errors.New("co-signing timed out")
	// ErrMalformedPartial is returned when the agent's partial fails
	// verification against the session payload. Retryable with a fresh session.
	ErrMalformedPartial = errors.New("malformed partial signature")
	// ErrSessionExpired is returned on any interaction with an expired session.
	ErrSessionExpired = errors.New("signing session expired")
	// ErrSessionState is returned when an operation does not match the
	// session's current state.
	ErrSessionState = errors.New("invalid signing session state")
)

// AgentPartial is the agent shard's contribution: a nonce commitment and a
// partial signature scalar over the session payload hash.
type AgentPartial struct {
	Commitment []byte // R_a, 32 bytes
	Scalar     []byte // s_a, 32 bytes
}

// AgentSigner is the key-shard provider boundary: it asks the agent's shard
// holder for a partial signature over a payload hash. Implementations must
// honor context cancellation.
type AgentSigner interface {
	SignPartial(ctx context.Context, sessionID uuid.UUID, payloadHash, serviceCommitment, jointPublicKey []byte) (*AgentPartial, error)
}

// Session is one co-signing round. All state transitions go through the
// mutex; the zero value is not usable, use Engine.Open.
type Session struct {
	ID          uuid.UUID
	PayloadHash []byte
	ExpiresAt   time.Time

	mu    sync.Mutex
	state SessionState

	serviceScalar *edwards25519.Scalar // service shard
	serviceNonce  *edwards25519.Scalar // r_s
	serviceCommit *edwards25519.Point  // R_s
	agentPublic   *edwards25519.Point  // A_a = P - s_svc*B
	jointPublic   *edwards25519.Point  // P

	agentCommit *edwards25519.Point  // R_a
	agentScalar *edwards25519.Scalar // s_a
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServiceCommitment returns the service's nonce commitment R_s, which the
// agent needs to compute the joint challenge.
func (s *Session) ServiceCommitment() []byte {
	return s.serviceCommit.Bytes()
}

// Engine produces joint signatures over payment payloads. It holds no key
// material of its own; shards are supplied per session.
type Engine struct {
	signer     AgentSigner
	sessionTTL time.Duration
}

// NewEngine creates a co-signing engine. sessionTTL bounds the wait for the
// agent's partial.
func NewEngine(signer AgentSigner, sessionTTL time.Duration) *Engine {
	return &Engine{signer: signer, sessionTTL: sessionTTL}
}

// Open starts a signing session binding a fresh nonce to the exact payload
// hash. The service shard and joint public key come from the caller's
// key-management boundary.
func (e *Engine) Open(serviceShard Shard, jointPublicKey, payloadHash []byte) (*Session, error) {
	serviceScalar, err := parseShard(serviceShard)
	if err != nil {
		return nil, err
	}
	jointPoint, err := parsePoint(jointPublicKey)
	if err != nil {
		return nil, err
	}

	// A_a = P - s_svc*B: the agent shard's public point, needed to verify
	// the partial before combining.
	servicePublic := new(edwards25519.Point).ScalarBaseMult(serviceScalar)
	agentPublic := new(edwards25519.Point).Subtract(jointPoint, servicePublic)

	nonce, err := randomScalar()
	if err != nil {
		return nil, err
	}

	hashCopy := make([]byte, len(payloadHash))
	copy(hashCopy, payloadHash)

	return &Session{
		ID:            uuid.New(),
		PayloadHash:   hashCopy,
		ExpiresAt:     time.Now().UTC().Add(e.sessionTTL),
		state:         StateOpened,
		serviceScalar: serviceScalar,
		serviceNonce:  nonce,
		serviceCommit: new(edwards25519.Point).ScalarBaseMult(nonce),
		agentPublic:   agentPublic,
		jointPublic:   jointPoint,
	}, nil
}

// Sign runs one full co-signing round: request the agent partial (bounded
// wait), verify it, combine. The returned signature verifies under
// ed25519.Verify against the joint public key.
func (e *Engine) Sign(ctx context.Context, session *Session) ([]byte, error) {
	waitCtx, cancel := context.WithDeadline(ctx, session.ExpiresAt)
	defer cancel()

	partial, err := e.signer.SignPartial(waitCtx, session.ID, session.PayloadHash, session.ServiceCommitment(), session.jointPublic.Bytes())
	if err != nil {
		session.Expire()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrSigningTimeout
		}
		return nil, fmt.Errorf("agent partial request failed: %w", err)
	}

	if err := session.SubmitAgentPartial(partial); err != nil {
		return nil, err
	}
	return session.Combine()
}

// SubmitAgentPartial verifies the agent's contribution and advances the
// session to agent-partial-received. A malformed partial expires the session.
func (s *Session) SubmitAgentPartial(partial *AgentPartial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateOpened:
		// proceed
	case StateExpired:
		return ErrSessionExpired
	default:
		return fmt.Errorf("%w: %s", ErrSessionState, s.state)
	}
	if time.Now().UTC().After(s.ExpiresAt) {
		s.state = StateExpired
		return ErrSessionExpired
	}

	agentCommit, err := new(edwards25519.Point).SetBytes(partial.Commitment)
	if err != nil {
		s.state = StateExpired
		return fmt.Errorf("%w: bad commitment encoding", ErrMalformedPartial)
	}
	agentScalar, err := new(edwards25519.Scalar).SetCanonicalBytes(partial.Scalar)
	if err != nil {
		s.state = StateExpired
		return fmt.Errorf("%w: bad scalar encoding", ErrMalformedPartial)
	}

	// The partial must satisfy s_a*B == R_a + k*A_a for the joint challenge
	// k bound to this session's payload hash. Anything else is malformed or
	// bound to a different payload.
	challenge := s.challenge(agentCommit)
	lhs := new(edwards25519.Point).ScalarBaseMult(agentScalar)
	rhs := new(edwards25519.Point).Add(agentCommit, new(edwards25519.Point).ScalarMult(challenge, s.agentPublic))
	if lhs.Equal(rhs) != 1 {
		s.state = StateExpired
		return fmt.Errorf("%w: partial not bound to session payload", ErrMalformedPartial)
	}

	s.agentCommit = agentCommit
	s.agentScalar = agentScalar
	s.state = StateAgentPartial
	return nil
}

// Combine folds the service's shard-derived partial into the verified agent
// partial, producing a standard Ed25519 signature over the payload hash.
func (s *Session) Combine() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAgentPartial:
		// proceed
	case StateExpired:
		return nil, ErrSessionExpired
	default:
		return nil, fmt.Errorf("%w: %s", ErrSessionState, s.state)
	}

	challenge := s.challenge(s.agentCommit)
	servicePartial := new(edwards25519.Scalar).MultiplyAdd(challenge, s.serviceScalar, s.serviceNonce)
	combined := new(edwards25519.Scalar).Add(s.agentScalar, servicePartial)
	jointCommit := new(edwards25519.Point).Add(s.agentCommit, s.serviceCommit)

	signature := make([]byte, ed25519.SignatureSize)
	copy(signature[:32], jointCommit.Bytes())
	copy(signature[32:], combined.Bytes())

	if !ed25519.Verify(ed25519.PublicKey(s.jointPublic.Bytes()), s.PayloadHash, signature) {
		s.state = StateExpired
		return nil, fmt.Errorf("%w: combined signature failed verification", ErrMalformedPartial)
	}

	s.state = StateCombined
	return signature, nil
}

// Expire cancels the session. It only applies while the session is still
// opened: a partial that already arrived wins the race.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpened {
		s.state = StateExpired
	}
}

// challenge computes the Ed25519 challenge scalar k = SHA-512(R, P, m)
// for the joint commitment R = R_a + R_s.
func (s *Session) challenge(agentCommit *edwards25519.Point) *edwards25519.Scalar {
	joint := new(edwards25519.Point).Add(agentCommit, s.serviceCommit)
	h := sha512.New()
	h.Write(joint.Bytes())
	h.Write(s.jointPublic.Bytes())
	h.Write(s.PayloadHash)
	digest := h.Sum(nil)
	k, _ := new(edwards25519.Scalar).SetUniformBytes(digest)
	return k
}

// SignAgentPartial produces the agent shard's contribution to a session.
// This is the reference client-side implementation used by agent SDKs and
// the test suite; the production path runs it inside the agent's key holder.
func SignAgentPartial(agentShard Shard, payloadHash, serviceCommitment, jointPublicKey []byte) (*AgentPartial, error) {
	agentScalar, err := parseShard(agentShard)
	if err != nil {
		return nil, err
	}
	serviceCommit, err := parsePoint(serviceCommitment)
	if err != nil {
		return nil, err
	}
	jointPoint, err := parsePoint(jointPublicKey)
	if err != nil {
		return nil, err
	}

	nonce, err := randomScalar()
	if err != nil {
		return nil, err
	}
	commit := new(edwards25519.Point).ScalarBaseMult(nonce)

	joint := new(edwards25519.Point).Add(commit, serviceCommit)
	h := sha512.New()
	h.Write(joint.Bytes())
	h.Write(jointPoint.Bytes())
	h.Write(payloadHash)
	digest := h.Sum(nil)
	challenge, _ := new(edwards25519.Scalar).SetUniformBytes(digest)

	partial := new(edwards25519.Scalar).MultiplyAdd(challenge, agentScalar, nonce)
	return &AgentPartial{
		Commitment: commit.Bytes(),
		Scalar:     partial.Bytes(),
	}, nil
}
