package access

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAdminKey(t *testing.T) {
	s, err := NewStore("", ModeOff, "secret-key")
	require.NoError(t, err)

	assert.True(t, s.CheckAdminKey("secret-key"))
	assert.False(t, s.CheckAdminKey("wrong"))
	assert.False(t, s.CheckAdminKey(""))

	// Unconfigured key admits nobody, even for an empty comparison.
	open, err := NewStore("", ModeOff, "")
	require.NoError(t, err)
	assert.False(t, open.CheckAdminKey(""))
	assert.False(t, open.CheckAdminKey("anything"))
}

func TestAdmit_StrictMode(t *testing.T) {
	s, err := NewStore("", ModeStrict, "k")
	require.NoError(t, err)

	pub := strings.Repeat("ab", 32)

	ok, _ := s.Admit(pub, "agent1", "alice")
	assert.False(t, ok, "unapproved pubkey rejected in strict mode")

	ok, reason := s.Admit("", "eph1", "ghost")
	assert.False(t, ok)
	assert.Contains(t, reason, "ephemeral")

	require.NoError(t, s.Approve(pub, "trusted"))
	ok, _ = s.Admit(pub, "agent1", "alice")
	assert.True(t, ok)
}

func TestAdmit_TracksUnknownPubkeys(t *testing.T) {
	s, err := NewStore("", ModeNonStrict, "k")
	require.NoError(t, err)

	pub := strings.Repeat("cd", 32)
	ok, _ := s.Admit(pub, "agent2", "bob")
	assert.True(t, ok, "non-strict admits unknown pubkeys")

	unknown := s.Unknown()
	require.Len(t, unknown, 1)
	assert.Equal(t, pub, unknown[0].PubKey)

	// Approval clears the unknown record.
	require.NoError(t, s.Approve(pub, ""))
	assert.Empty(t, s.Unknown())
}

func TestBanUnban(t *testing.T) {
	s, err := NewStore("", ModeOff, "k")
	require.NoError(t, err)

	require.NoError(t, s.Ban("agent3", "spam"))
	assert.True(t, s.IsBanned("agent3", ""))

	ok, reason := s.Admit("", "agent3", "mallory")
	assert.False(t, ok)
	assert.Contains(t, reason, "banned")

	require.NoError(t, s.Unban("agent3"))
	assert.False(t, s.IsBanned("agent3", ""))
}

func TestBan_ByPubkey(t *testing.T) {
	s, err := NewStore("", ModeOff, "k")
	require.NoError(t, err)

	pub := strings.Repeat("ef", 32)
	require.NoError(t, s.Ban(pub, "abuse"))
	assert.True(t, s.IsBanned("whoever", pub))

	ok, _ := s.Admit(pub, "agent4", "eve")
	assert.False(t, ok)
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir, ModeStrict, "k")
	require.NoError(t, err)
	pub := strings.Repeat("01", 32)
	require.NoError(t, s.Approve(pub, "note"))
	require.NoError(t, s.Ban("agent5", "reason"))

	reloaded, err := NewStore(dir, ModeStrict, "k")
	require.NoError(t, err)
	assert.True(t, reloaded.IsApproved(pub))
	assert.True(t, reloaded.IsBanned("agent5", ""))

	require.NoError(t, reloaded.Revoke(pub))
	third, err := NewStore(dir, ModeStrict, "k")
	require.NoError(t, err)
	assert.False(t, third.IsApproved(pub))
}
