// Package settle turns terminal proposal and dispute outcomes into rating
// mutations and receipts, applied atomically per outcome.
package settle

import (
	"fmt"
	"log/slog"

	"github.com/agentchat/relay/internal/dispute"
	"github.com/agentchat/relay/internal/proposal"
	"github.com/agentchat/relay/internal/receipt"
	"github.com/agentchat/relay/internal/reputation"
)

// Coordinator owns the rating ledger and receipt ledger writes for every
// settlement path: completion, legacy dispute, fallback, and panel verdict.
type Coordinator struct {
	ratings  *reputation.Ledger
	receipts *receipt.Ledger
	cfg      dispute.Config
	logger   *slog.Logger
}

// NewCoordinator wires the coordinator to its ledgers.
func NewCoordinator(ratings *reputation.Ledger, receipts *receipt.Ledger, cfg dispute.Config) *Coordinator {
	return &Coordinator{
		ratings:  ratings,
		receipts: receipts,
		cfg:      cfg,
		logger:   slog.With("component", "settle"),
	}
}

// Completion settles a completed proposal: both parties gain, the escrow
// returns, and a COMPLETE receipt is appended.
func (c *Coordinator) Completion(p proposal.Proposal) (map[string]int, error) {
	deltas := c.ratings.SettleCompletion(p.ID, p.From, p.To, p.Amount)
	err := c.receipts.Append(receipt.Receipt{
		Kind:          receipt.KindComplete,
		ProposalID:    p.ID,
		From:          p.From,
		To:            p.To,
		Task:          p.Task,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Proof:         p.Proof,
		RatingChanges: deltas,
	})
	if err != nil {
		return deltas, fmt.Errorf("completion settled but receipt failed: %w", err)
	}
	return deltas, nil
}

// LegacyDispute settles a unilateral (non-panel) dispute: the at-fault
// party loses, the other gains half, and a v1.0 DISPUTE receipt is written.
func (c *Coordinator) LegacyDispute(p proposal.Proposal, atFault, reason string) (map[string]int, error) {
	other := p.From
	if atFault == p.From {
		other = p.To
	}
	deltas := c.ratings.SettleDisputeAtFault(p.ID, atFault, other, p.Amount)
	err := c.receipts.Append(receipt.Receipt{
		Kind:          receipt.KindDispute,
		Version:       receipt.VersionLegacy,
		ProposalID:    p.ID,
		From:          p.From,
		To:            p.To,
		Task:          p.Task,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Verdict:       reason,
		RatingChanges: deltas,
	})
	if err != nil {
		return deltas, fmt.Errorf("dispute settled but receipt failed: %w", err)
	}
	return deltas, nil
}

// ChargeFilingFee escrows the dispute filing fee against the disputant's
// rating. Returns an error when the available rating cannot cover it.
func (c *Coordinator) ChargeFilingFee(disputant string) error {
	if !c.ratings.CanStake(disputant, c.cfg.FilingFee) {
		return fmt.Errorf("available rating cannot cover the %d filing fee", c.cfg.FilingFee)
	}
	c.ratings.Adjust(disputant, -c.cfg.FilingFee)
	return nil
}

// Verdict settles a resolved panel dispute: party deltas per verdict,
// arbiter rewards and forfeits, escrow transfer or burn, filing fee refund
// on a disputant win, and a v2.0 DISPUTE receipt.
func (c *Coordinator) Verdict(d dispute.Snapshot, p proposal.Proposal) (map[string]int, error) {
	changes := make(map[string]int)

	var deltas map[string]int
	switch d.Verdict {
	case dispute.VerdictDisputant:
		deltas = c.ratings.SettleDisputeAtFault(p.ID, d.Respondent, d.Disputant, p.Amount)
	case dispute.VerdictRespondent:
		deltas = c.ratings.SettleDisputeAtFault(p.ID, d.Disputant, d.Respondent, p.Amount)
	case dispute.VerdictMutual:
		deltas = c.ratings.SettleDisputeMutual(p.ID, p.From, p.To, p.Amount)
	default:
		return nil, fmt.Errorf("unknown verdict %q", d.Verdict)
	}
	for agent, delta := range deltas {
		changes[agent] += delta
	}

	// Majority voters earn the reward, dissenters break even, and a lost
	// slot loses its stake.
	for arbiter, vote := range d.Voted {
		if vote == d.Verdict {
			changes[arbiter] += c.ratings.Adjust(arbiter, c.cfg.ArbiterReward)
		}
	}
	for _, arbiter := range d.Forfeited {
		changes[arbiter] += c.ratings.Adjust(arbiter, -c.cfg.ArbiterStake)
	}

	if d.Verdict == dispute.VerdictDisputant {
		changes[d.Disputant] += c.ratings.Adjust(d.Disputant, c.cfg.FilingFee)
	}

	err := c.receipts.Append(receipt.Receipt{
		Kind:          receipt.KindDispute,
		Version:       receipt.VersionAgentcourt,
		ProposalID:    p.ID,
		DisputeID:     d.ID,
		From:          p.From,
		To:            p.To,
		Task:          p.Task,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Verdict:       d.Verdict,
		Arbiters:      d.Arbiters,
		RatingChanges: changes,
	})
	if err != nil {
		return changes, fmt.Errorf("verdict settled but receipt failed: %w", err)
	}
	c.logger.Info("verdict settled",
		"dispute_id", d.ID, "proposal_id", p.ID, "verdict", d.Verdict)
	return changes, nil
}

// ReleaseExpired releases the escrow of an expired proposal without rating
// changes.
func (c *Coordinator) ReleaseExpired(p proposal.Proposal) {
	c.ratings.ReleaseEscrow(p.ID)
}
