// Package identity implements the cryptographic identity primitives of the
// relay: Ed25519 key handling, stable agent-id derivation and the canonical
// signing strings verified before any state mutation.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// AgentIDLen is the display width of an agent id in hex characters.
const AgentIDLen = 8

// KeyPair holds a long-term Ed25519 identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// PublicHex returns the hex encoding used for pubkeys on the wire.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public)
}

// Sign signs the canonical content string and returns a hex signature.
func (kp *KeyPair) Sign(content string) string {
	return hex.EncodeToString(ed25519.Sign(kp.Private, []byte(content)))
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key from the wire.
func ParsePublicKey(pubHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil {
		return nil, fmt.Errorf("pubkey is not hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pubkey must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks a hex signature over the canonical content string.
func Verify(pub ed25519.PublicKey, content, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(content), sig)
}

// AgentID derives the stable agent id for a keyed identity: "@" plus the
// first 8 lowercase hex characters of SHA-256 over the raw pubkey bytes.
// The "@" prefix is part of the id on the wire.
func AgentID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "@" + hex.EncodeToString(sum[:])[:AgentIDLen]
}

// EphemeralID generates a random agent id for sessions without a pubkey.
// Same "@" plus 8-hex shape as keyed ids.
func EphemeralID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate ephemeral id: %w", err)
	}
	return "@" + hex.EncodeToString(buf)[:AgentIDLen], nil
}

// GenerateNonce creates 32 bytes of randomness, hex-encoded.
func GenerateNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}

// HashHex returns the lowercase hex SHA-256 of a string. Used for reveal
// commitments and evidence bundle hashes.
func HashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// CANONICAL SIGNING STRINGS
// ============================================================================
//
// Every signed frame type has exactly one canonical content string; the
// server recomputes it from the received fields and verifies before mutating
// state. Fields are joined with "|" in the documented order.

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

// AuthContent is signed during the CHALLENGE/VERIFY handshake.
func AuthContent(nonce, challengeID string, timestamp int64) string {
	return fmt.Sprintf("AUTH|%s|%s|%d", nonce, challengeID, timestamp)
}

// ProposalContent covers every immutable field of a new proposal.
func ProposalContent(from, to, task string, amount float64, currency string, expires int64, nonce string) string {
	return fmt.Sprintf("PROPOSAL|%s|%s|%s|%s|%s|%d|%s", from, to, task, formatAmount(amount), currency, expires, nonce)
}

func AcceptContent(proposalID, acceptor, paymentCode string) string {
	return fmt.Sprintf("ACCEPT|%s|%s|%s", proposalID, acceptor, paymentCode)
}

func RejectContent(proposalID, reason string) string {
	return fmt.Sprintf("REJECT|%s|%s", proposalID, reason)
}

func CompleteContent(proposalID, proof string) string {
	return fmt.Sprintf("COMPLETE|%s|%s", proposalID, proof)
}

// DisputeContent is the legacy unilateral dispute signing string.
func DisputeContent(proposalID, reason string) string {
	return fmt.Sprintf("DISPUTE|%s|%s", proposalID, reason)
}

func DisputeIntentContent(proposalID, reason, commitment string) string {
	return fmt.Sprintf("DISPUTE_INTENT|%s|%s|%s", proposalID, reason, commitment)
}

func DisputeRevealContent(proposalID, nonce string) string {
	return fmt.Sprintf("DISPUTE_REVEAL|%s|%s", proposalID, nonce)
}

// EvidenceContent binds a signature to the SHA-256 of the serialized items.
func EvidenceContent(disputeID, itemsHash string) string {
	return fmt.Sprintf("EVIDENCE|%s|%s", disputeID, itemsHash)
}

func ArbiterAcceptContent(disputeID string) string {
	return fmt.Sprintf("ARBITER_ACCEPT|%s", disputeID)
}

func VoteContent(disputeID, verdict string) string {
	return fmt.Sprintf("VOTE|%s|%s", disputeID, verdict)
}
