// Package security provides signing/verification over the identities
// membership and replication already hold, plus an audit trail for the
// security-relevant events spec.md §7 calls out (refutation, proof-of-work
// strikes, anti-entropy proof rejects).
package security

import (
	"crypto/ecdsa"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/rechain/merkleflow/internal/identity"
)

// Signer signs payloads with the node's long-term secp256k1 key, the same
// key Identity derives NodeId from. The daemon uses it for its start-up
// attestation; SWIM refutation claims and anti-entropy proofs are sent
// unsigned.
type Signer struct {
	keys *identity.KeyPair
}

// NewSigner wraps an existing keypair for signing use.
func NewSigner(keys *identity.KeyPair) *Signer {
	return &Signer{keys: keys}
}

// SignData signs data's Keccak256 digest with the node's private key.
func (s *Signer) SignData(data []byte) ([]byte, error) {
	digest := crypto.Keccak256(data)
	sig, err := crypto.Sign(digest, s.keys.Private)
	if err != nil {
		return nil, fmt.Errorf("security: sign: %w", err)
	}
	return sig, nil
}

// VerifySignature checks that signature was produced over data by the
// holder of publicKey.
func VerifySignature(publicKey *ecdsa.PublicKey, data, signature []byte) error {
	digest := crypto.Keccak256(data)
	if len(signature) == 65 {
		// crypto.Sign appends a recovery byte; ecrecover-style verification
		// drops it before calling the raw VerifySignature form.
		signature = signature[:64]
	}
	pubBytes := crypto.FromECDSAPub(publicKey)
	if !crypto.VerifySignature(pubBytes, digest, signature) {
		return fmt.Errorf("security: signature verification failed")
	}
	return nil
}

// RecoverSigner recovers the public key that produced signature over data,
// for when the claimed signer's key isn't already known. No protocol message
// in this tree carries a signature for it to check.
func RecoverSigner(data, signature []byte) (*ecdsa.PublicKey, error) {
	digest := crypto.Keccak256(data)
	pub, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return nil, fmt.Errorf("security: recover signer: %w", err)
	}
	return pub, nil
}

// AuditLogger records security-relevant events: replication.Initiator logs
// rejected anti-entropy proofs (strikes) and the resulting demotions, and
// the daemon logs its start-up attestation. Refutations are not logged here.
type AuditLogger struct {
	enabled bool
}

// NewAuditLogger creates an audit logger; logging is a no-op when enabled
// is false so call sites don't need their own guard.
func NewAuditLogger(enabled bool) *AuditLogger {
	return &AuditLogger{enabled: enabled}
}

// LogSecurityEvent records a named event with free-form details.
func (al *AuditLogger) LogSecurityEvent(eventType, details string) {
	if !al.enabled {
		return
	}
	log.Printf("security event [%s]: %s", eventType, details)
}

// LogPeerAction records an action taken against a peer, e.g. a refutation
// or a strike against an anti-entropy budget.
func (al *AuditLogger) LogPeerAction(nodeID identity.NodeId, action, details string) {
	if !al.enabled {
		return
	}
	log.Printf("security event [%s]: peer=%s %s", action, nodeID, details)
}

// NewCorrelationID returns a fresh correlation ID for an audit entry.
func NewCorrelationID() string {
	return uuid.New().String()
}
