/**
 * @description
 * This file implements the key-shard side of the 2-of-2 co-signing scheme.
 * A signing key is split into two scalar shards at agent registration: one
 * bound to the agent, one to the service. The joint public key is the sum
 * of both shard public points; neither shard alone can produce a signature
 * that verifies under it.
 *
 * @notes
 * - Shards are canonical 32-byte Ed25519 scalars. The combined signature
 *   verifies under stock crypto/ed25519 verification against the joint key.
 * - The payload hash binds chain, recipient address, amount and payment id,
 *   so a partial signature can never be replayed against a different payload.
 *
 * @dependencies
 * - crypto/ed25519, crypto/rand, crypto/sha256: Standard Go libraries.
 * - filippo.io/edwards25519: Scalar and point arithmetic.
 */

package cosign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/google/uuid"
)

var (
	// ErrInvalidShard is returned when shard bytes do not decode to a
	// canonical scalar.
	ErrInvalidShard = errors.New("invalid key shard")
	// ErrInvalidPublicKey is returned when a joint public key does not
	// decode to a curve point.
	ErrInvalidPublicKey = errors.New("invalid joint public key")
)

// Shard is one half of a split signing key: a canonical 32-byte scalar.
type Shard []byte

// SplitKey generates a fresh 2-of-2 key pair: an agent shard, a service
// shard, and the joint public key their contributions verify under. The
// full private scalar never exists in one place.
func SplitKey() (agentShard, serviceShard Shard, jointPublicKey ed25519.PublicKey, err error) {
	agentScalar, err := randomScalar()
	if err != nil {
		return nil, nil, nil, err
	}
	serviceScalar, err := randomScalar()
	if err != nil {
		return nil, nil, nil, err
	}

	joint := new(edwards25519.Scalar).Add(agentScalar, serviceScalar)
	jointPoint := new(edwards25519.Point).ScalarBaseMult(joint)

	return agentScalar.Bytes(), serviceScalar.Bytes(), jointPoint.Bytes(), nil
}

func randomScalar() (*edwards25519.Scalar, error) {
	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to read entropy: %w", err)
	}
	return new(edwards25519.Scalar).SetUniformBytes(seed[:])
}

func parseShard(shard Shard) (*edwards25519.Scalar, error) {
	s, err := new(edwards25519.Scalar).SetCanonicalBytes(shard)
	if err != nil {
		return nil, ErrInvalidShard
	}
	return s, nil
}

func parsePoint(b []byte) (*edwards25519.Point, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return p, nil
}

// PayloadHash produces the 32-byte message both parties sign: a canonical
// binding of chain, recipient address, amount and payment id.
func PayloadHash(chain string, recipient string, amount int64, paymentID uuid.UUID) []byte {
	h := sha256.New()
	fmt.Fprintf(h, "agentrail.payment.v1\n%s\n%s\n%d\n%s", chain, recipient, amount, paymentID)
	return h.Sum(nil)
}
