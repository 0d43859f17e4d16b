package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	content := AuthContent("abc123", "ch-1", 1700000000)
	sig := kp.Sign(content)
	assert.Len(t, sig, ed25519.SignatureSize*2, "hex signature must be 128 chars")

	assert.True(t, Verify(kp.Public, content, sig))

	// Any single-byte mutation of content or signature must fail.
	assert.False(t, Verify(kp.Public, content+"x", sig))
	mutated := []byte(sig)
	if mutated[0] == 'a' {
		mutated[0] = 'b'
	} else {
		mutated[0] = 'a'
	}
	assert.False(t, Verify(kp.Public, content, string(mutated)))
}

func TestVerify_RejectsGarbageSignature(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.False(t, Verify(kp.Public, "data", "not-hex"))
	assert.False(t, Verify(kp.Public, "data", "deadbeef")) // wrong length
}

func TestAgentID_DeterministicAndLowercaseHex(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	id := AgentID(kp.Public)
	require.True(t, strings.HasPrefix(id, "@"))
	assert.Len(t, id, AgentIDLen+1)
	assert.Equal(t, id, AgentID(kp.Public), "agent id must be stable")

	_, err = hex.DecodeString(id[1:])
	assert.NoError(t, err, "agent id body must be hex")

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, id, AgentID(other.Public))
}

func TestEphemeralID_Width(t *testing.T) {
	id, err := EphemeralID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "@"))
	assert.Len(t, id, AgentIDLen+1)
	_, err = hex.DecodeString(id[1:])
	assert.NoError(t, err)
}

func TestParsePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	pub, err := ParsePublicKey(kp.PublicHex())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, pub)

	_, err = ParsePublicKey("zz")
	assert.Error(t, err)
	_, err = ParsePublicKey("dead")
	assert.Error(t, err, "short keys rejected")
}

func TestCanonicalStrings(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"auth", AuthContent("n", "c", 42), "AUTH|n|c|42"},
		{"proposal", ProposalContent("a", "b", "task", 10, "TEST", 300, "n1"), "PROPOSAL|a|b|task|10|TEST|300|n1"},
		{"proposal fractional", ProposalContent("a", "b", "t", 1.5, "X", 60, "n"), "PROPOSAL|a|b|t|1.5|X|60|n"},
		{"accept", AcceptContent("prop_1", "b", "pay"), "ACCEPT|prop_1|b|pay"},
		{"reject", RejectContent("prop_1", "no"), "REJECT|prop_1|no"},
		{"complete", CompleteContent("prop_1", "tx:abc"), "COMPLETE|prop_1|tx:abc"},
		{"dispute", DisputeContent("prop_1", "bad"), "DISPUTE|prop_1|bad"},
		{"intent", DisputeIntentContent("prop_1", "bad", "c0ffee"), "DISPUTE_INTENT|prop_1|bad|c0ffee"},
		{"reveal", DisputeRevealContent("prop_1", "n0nce"), "DISPUTE_REVEAL|prop_1|n0nce"},
		{"evidence", EvidenceContent("disp_1", "hash"), "EVIDENCE|disp_1|hash"},
		{"arbiter accept", ArbiterAcceptContent("disp_1"), "ARBITER_ACCEPT|disp_1"},
		{"vote", VoteContent("disp_1", "disputant"), "VOTE|disp_1|disputant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestHashHex_MatchesCommitment(t *testing.T) {
	nonce := "my-secret-nonce"
	commitment := HashHex(nonce)
	assert.Len(t, commitment, 64)
	assert.Equal(t, commitment, HashHex(nonce))
	assert.NotEqual(t, commitment, HashHex(nonce+"x"))
}
