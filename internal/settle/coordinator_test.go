package settle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/relay/internal/dispute"
	"github.com/agentchat/relay/internal/proposal"
	"github.com/agentchat/relay/internal/receipt"
	"github.com/agentchat/relay/internal/reputation"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *reputation.Ledger, *receipt.Ledger) {
	t.Helper()
	ratings, err := reputation.NewLedger("")
	require.NoError(t, err)
	receipts, err := receipt.NewLedger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(receipts.Close)
	return NewCoordinator(ratings, receipts, dispute.DefaultConfig()), ratings, receipts
}

func TestCompletion_WritesReceiptAndRaisesRatings(t *testing.T) {
	c, ratings, receipts := newTestCoordinator(t)

	p := proposal.Proposal{ID: "prop_1", From: "alice", To: "bob", Task: "t", Proof: "tx:1"}
	deltas, err := c.Completion(p)
	require.NoError(t, err)
	assert.Equal(t, 16, deltas["alice"])
	assert.Equal(t, 1216, ratings.Get("bob").Rating)

	all, err := receipts.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, receipt.KindComplete, all[0].Kind)
	assert.Equal(t, "tx:1", all[0].Proof)
}

func TestLegacyDispute_V1Receipt(t *testing.T) {
	c, ratings, receipts := newTestCoordinator(t)

	p := proposal.Proposal{ID: "prop_1", From: "alice", To: "bob", Task: "t"}
	deltas, err := c.LegacyDispute(p, "bob", "respondent at fault")
	require.NoError(t, err)
	assert.Equal(t, -16, deltas["bob"])
	assert.Equal(t, 8, deltas["alice"])
	assert.Equal(t, 1184, ratings.Get("bob").Rating)

	all, err := receipts.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, receipt.VersionLegacy, all[0].Version)
}

func TestChargeFilingFee(t *testing.T) {
	c, ratings, _ := newTestCoordinator(t)

	require.NoError(t, c.ChargeFilingFee("alice"))
	assert.Equal(t, 1190, ratings.Get("alice").Rating)

	// Drain the available rating, then the fee must bounce.
	ratings.Adjust("alice", -2000)
	assert.Error(t, c.ChargeFilingFee("alice"))
}

func TestVerdict_DisputantWins(t *testing.T) {
	c, ratings, receipts := newTestCoordinator(t)

	p := proposal.Proposal{ID: "prop_1", From: "alice", To: "bob", Task: "t"}
	require.NoError(t, ratings.CreateEscrow(p.ID, "alice", "bob", 20, 20))
	require.NoError(t, c.ChargeFilingFee("alice"))

	d := dispute.Snapshot{
		ID:         "disp_1",
		ProposalID: p.ID,
		Disputant:  "alice",
		Respondent: "bob",
		Verdict:    dispute.VerdictDisputant,
		Arbiters:   []string{"a1", "a2", "a3"},
		Voted:      map[string]string{"a1": "disputant", "a2": "disputant", "a3": "respondent"},
	}
	changes, err := c.Verdict(d, p)
	require.NoError(t, err)

	// Disputant: +half-loss +loser stake +fee refund.
	assert.Equal(t, 8+20+10, changes["alice"])
	assert.Equal(t, -(16 + 20), changes["bob"])
	assert.Equal(t, 5, changes["a1"])
	assert.Equal(t, 5, changes["a2"])
	assert.NotContains(t, changes, "a3", "dissenter breaks even")

	all, err := receipts.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, receipt.VersionAgentcourt, all[0].Version)
	assert.Equal(t, dispute.VerdictDisputant, all[0].Verdict)
	assert.Equal(t, changes, all[0].RatingChanges)
}

func TestVerdict_MutualBurnsStakes(t *testing.T) {
	c, ratings, _ := newTestCoordinator(t)

	p := proposal.Proposal{ID: "prop_1", From: "alice", To: "bob", Task: "t"}
	require.NoError(t, ratings.CreateEscrow(p.ID, "alice", "bob", 30, 30))

	d := dispute.Snapshot{
		ID: "disp_1", ProposalID: p.ID,
		Disputant: "alice", Respondent: "bob",
		Verdict: dispute.VerdictMutual,
		Voted:   map[string]string{"a1": "mutual", "a2": "disputant", "a3": "respondent"},
	}
	changes, err := c.Verdict(d, p)
	require.NoError(t, err)
	assert.Equal(t, -(8 + 30), changes["alice"])
	assert.Equal(t, -(8 + 30), changes["bob"])

	_, active := ratings.ActiveEscrow(p.ID)
	assert.False(t, active)
}

func TestVerdict_ForfeitedSlotLosesStake(t *testing.T) {
	c, ratings, _ := newTestCoordinator(t)

	p := proposal.Proposal{ID: "prop_1", From: "alice", To: "bob", Task: "t"}
	d := dispute.Snapshot{
		ID: "disp_1", ProposalID: p.ID,
		Disputant: "alice", Respondent: "bob",
		Verdict:   dispute.VerdictRespondent,
		Voted:     map[string]string{"a1": "respondent", "a2": "respondent"},
		Forfeited: []string{"a3"},
	}
	changes, err := c.Verdict(d, p)
	require.NoError(t, err)
	assert.Equal(t, -25, changes["a3"])
	assert.Equal(t, 1175, ratings.Get("a3").Rating)
}

func TestVerdict_UnknownVerdict(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Verdict(dispute.Snapshot{Verdict: "maybe"}, proposal.Proposal{ID: "p"})
	assert.Error(t, err)
}

func TestReleaseExpired(t *testing.T) {
	c, ratings, _ := newTestCoordinator(t)
	require.NoError(t, ratings.CreateEscrow("prop_1", "alice", "bob", 10, 0))
	c.ReleaseExpired(proposal.Proposal{ID: "prop_1"})
	assert.Equal(t, 1100, ratings.Available("alice"))
}
