package receipt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func TestAppend_HashRoundTrip(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Append(Receipt{
		Kind:          KindComplete,
		ProposalID:    "prop_1",
		From:          "alice",
		To:            "bob",
		Task:          "t",
		Proof:         "tx:abc",
		RatingChanges: map[string]int{"alice": 16, "bob": 16},
	}))

	all, err := l.All()
	require.NoError(t, err)
	require.Len(t, all, 1)

	got := all[0]
	assert.NotEmpty(t, got.Hash)
	rehash, err := got.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, got.Hash, rehash, "stored hash must match re-hash of the record")
}

func TestByAgent_Filter(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Append(Receipt{Kind: KindComplete, ProposalID: "p1", From: "alice", To: "bob", Task: "a"}))
	require.NoError(t, l.Append(Receipt{Kind: KindComplete, ProposalID: "p2", From: "carol", To: "dave", Task: "b"}))
	require.NoError(t, l.Append(Receipt{Kind: KindDispute, Version: VersionAgentcourt, ProposalID: "p3", DisputeID: "d1", From: "alice", To: "carol", Task: "c", Verdict: "disputant"}))

	mine, err := l.ByAgent("alice")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	none, err := l.ByAgent("nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAll_ToleratesTornLastLine(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLedger(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(Receipt{Kind: KindComplete, ProposalID: "p1", From: "a", To: "b", Task: "x"}))
	l.Close()

	// Simulate a crash mid-append.
	f, err := os.OpenFile(filepath.Join(dir, "receipts.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"kind":"COMPLETE","proposal_id":"p2","fr`)
	require.NoError(t, err)
	f.Close()

	l2, err := NewLedger(dir)
	require.NoError(t, err)
	defer l2.Close()
	all, err := l2.All()
	require.NoError(t, err)
	assert.Len(t, all, 1, "torn line must be skipped")
}

func TestAggregate(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Append(Receipt{Kind: KindComplete, ProposalID: "p1", From: "a", To: "b", Task: "x", RatingChanges: map[string]int{"a": 16, "b": 16}}))
	require.NoError(t, l.Append(Receipt{Kind: KindDispute, Version: VersionLegacy, ProposalID: "p2", From: "a", To: "b", Task: "y", RatingChanges: map[string]int{"a": -16, "b": 8}}))

	st, err := l.Aggregate()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Completions)
	assert.Equal(t, 1, st.Disputes)
	assert.Equal(t, 0, st.NetDeltas["a"])
	assert.Equal(t, 24, st.NetDeltas["b"])
}

func TestAppend_AfterCloseFails(t *testing.T) {
	l, err := NewLedger(t.TempDir())
	require.NoError(t, err)
	l.Close()
	assert.Error(t, l.Append(Receipt{Kind: KindComplete, ProposalID: "p", From: "a", To: "b", Task: "t"}))
}
