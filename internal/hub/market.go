package hub

import (
	"encoding/json"

	"github.com/agentchat/relay/internal/dispute"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/proposal"
	"github.com/agentchat/relay/internal/protocol"
)

// requireSigned verifies a canonical signing string with the session's
// pubkey. Every state-mutating market operation goes through here first.
func (h *Hub) requireSigned(s *Session, content, sig string) bool {
	if !s.Keyed() {
		s.sendError(protocol.ErrNoPubkey, "operation requires a verified keyed identity")
		return false
	}
	s.mu.Lock()
	pub := s.pubkey
	s.mu.Unlock()
	if sig == "" || !identity.Verify(pub, content, sig) {
		s.sendError(protocol.ErrVerificationFailed, "invalid signature")
		return false
	}
	return true
}

// ============================================================================
// PROPOSALS
// ============================================================================

func (h *Hub) handleProposal(s *Session, f *protocol.Frame) {
	from := s.AgentID()
	to := agentRef(f.To)
	if _, ok := h.session(to); !ok {
		s.sendError(protocol.ErrAgentNotFound, "agent %s is not connected", to)
		return
	}
	content := identity.ProposalContent(from, to, f.Task, f.Amount, f.Currency, f.Expires, f.Nonce)
	if !h.requireSigned(s, content, f.Sig) {
		return
	}
	if f.EloStake > 0 && !h.ratings.CanStake(from, f.EloStake) {
		s.sendError(protocol.ErrNotAllowed, "available rating cannot cover a %d stake", f.EloStake)
		return
	}

	live, err := h.proposals.Create(from, to, f.Task, f.Amount, f.Currency, f.PaymentCode, f.Expires, f.EloStake)
	if err != nil {
		s.sendError(protocol.ErrInvalidMsg, "%v", err)
		return
	}
	p := live.Snapshot()
	metrics.Proposals.WithLabelValues(string(proposal.StatusPending)).Inc()

	out := &protocol.Frame{
		Type:       protocol.TypeProposal,
		ProposalID: p.ID,
		From:       from,
		To:         to,
		Task:       p.Task,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Expires:    p.ExpiresIn,
		EloStake:   p.ProposerStake,
		Status:     string(proposal.StatusPending),
	}
	s.sendFrame(out)
	h.deliverTo(to, out)
}

func (h *Hub) handleAccept(s *Session, f *protocol.Frame) {
	acceptor := s.AgentID()
	content := identity.AcceptContent(f.ProposalID, acceptor, f.PaymentCode)
	if !h.requireSigned(s, content, f.Sig) {
		return
	}
	if f.EloStake > 0 && !h.ratings.CanStake(acceptor, f.EloStake) {
		s.sendError(protocol.ErrNotAllowed, "available rating cannot cover a %d stake", f.EloStake)
		return
	}

	snap, err := h.proposals.Accept(f.ProposalID, acceptor, f.PaymentCode, f.EloStake)
	if err != nil {
		s.sendError(protocol.ErrInvalidTransition, "%v", err)
		return
	}
	if snap.ProposerStake > 0 || snap.AcceptorStake > 0 {
		if err := h.ratings.CreateEscrow(snap.ID, snap.From, snap.To, snap.ProposerStake, snap.AcceptorStake); err != nil {
			h.logger.Error("escrow creation failed after accept", "proposal_id", snap.ID, "error", err)
			s.sendError(protocol.ErrNotAllowed, "%v", err)
			return
		}
	}
	metrics.Proposals.WithLabelValues(string(proposal.StatusAccepted)).Inc()
	h.notify([]string{snap.From, snap.To}, &protocol.Frame{
		Type: protocol.TypeAccept, ProposalID: snap.ID, Status: string(snap.Status),
	})
}

func (h *Hub) handleReject(s *Session, f *protocol.Frame) {
	content := identity.RejectContent(f.ProposalID, f.Reason)
	if !h.requireSigned(s, content, f.Sig) {
		return
	}
	snap, err := h.proposals.Reject(f.ProposalID, s.AgentID(), f.Reason)
	if err != nil {
		s.sendError(protocol.ErrInvalidTransition, "%v", err)
		return
	}
	metrics.Proposals.WithLabelValues(string(proposal.StatusRejected)).Inc()
	h.notify([]string{snap.From, snap.To}, &protocol.Frame{
		Type: protocol.TypeReject, ProposalID: snap.ID, Status: string(snap.Status), Reason: snap.Reason,
	})
}

func (h *Hub) handleComplete(s *Session, f *protocol.Frame) {
	content := identity.CompleteContent(f.ProposalID, f.Proof)
	if !h.requireSigned(s, content, f.Sig) {
		return
	}
	snap, err := h.proposals.Complete(f.ProposalID, s.AgentID(), f.Proof)
	if err != nil {
		s.sendError(protocol.ErrInvalidTransition, "%v", err)
		return
	}
	deltas, err := h.settler.Completion(snap)
	if err != nil {
		h.logger.Error("completion settlement failed", "proposal_id", snap.ID, "error", err)
	}
	metrics.Proposals.WithLabelValues(string(proposal.StatusCompleted)).Inc()
	h.notify([]string{snap.From, snap.To}, &protocol.Frame{
		Type: protocol.TypeComplete, ProposalID: snap.ID,
		Status: string(snap.Status), Proof: snap.Proof, RatingChanges: deltas,
	})
}

// handleDispute is the legacy unilateral path: no panel, the other party
// is at fault, half-gain rule applies immediately.
func (h *Hub) handleDispute(s *Session, f *protocol.Frame) {
	disputant := s.AgentID()
	content := identity.DisputeContent(f.ProposalID, f.Reason)
	if !h.requireSigned(s, content, f.Sig) {
		return
	}
	if _, open := h.disputes.ByProposal(f.ProposalID); open {
		s.sendError(protocol.ErrInvalidTransition, "proposal already has an open dispute")
		return
	}
	snap, err := h.proposals.Dispute(f.ProposalID, disputant, f.Reason)
	if err != nil {
		s.sendError(protocol.ErrInvalidTransition, "%v", err)
		return
	}
	atFault := snap.From
	if disputant == snap.From {
		atFault = snap.To
	}
	deltas, err := h.settler.LegacyDispute(snap, atFault, f.Reason)
	if err != nil {
		h.logger.Error("legacy dispute settlement failed", "proposal_id", snap.ID, "error", err)
	}
	metrics.Disputes.WithLabelValues("legacy").Inc()
	h.notify([]string{snap.From, snap.To}, &protocol.Frame{
		Type: protocol.TypeDispute, ProposalID: snap.ID,
		Status: string(snap.Status), Reason: snap.Reason, RatingChanges: deltas,
	})
}

// ============================================================================
// AGENTCOURT
// ============================================================================

func (h *Hub) handleDisputeIntent(s *Session, f *protocol.Frame) {
	disputant := s.AgentID()
	content := identity.DisputeIntentContent(f.ProposalID, f.Reason, f.Commitment)
	if !h.requireSigned(s, content, f.Sig) {
		return
	}
	live, ok := h.proposals.Get(f.ProposalID)
	if !ok {
		s.sendError(protocol.ErrInvalidTransition, "proposal %s not found", f.ProposalID)
		return
	}
	p := live.Snapshot()
	if disputant != p.From && disputant != p.To {
		s.sendError(protocol.ErrNotAllowed, "only a party to the proposal can dispute it")
		return
	}
	// Nothing below may reject once the fee is charged or the proposal
	// transitions, so the filing is validated up front.
	if f.Commitment == "" {
		s.sendError(protocol.ErrInvalidMsg, "commitment must not be empty")
		return
	}
	if _, open := h.disputes.ByProposal(f.ProposalID); open {
		s.sendError(protocol.ErrInvalidTransition, "proposal already has an open dispute")
		return
	}
	respondent := p.From
	if disputant == p.From {
		respondent = p.To
	}
	if err := h.settler.ChargeFilingFee(disputant); err != nil {
		s.sendError(protocol.ErrNotAllowed, "%v", err)
		return
	}
	d, err := h.disputes.FileIntent(f.ProposalID, disputant, respondent, f.Reason, f.Commitment)
	if err != nil {
		h.ratings.Adjust(disputant, h.cfg.Dispute.FilingFee) // refund, nothing was filed
		s.sendError(protocol.ErrInvalidMsg, "%v", err)
		return
	}
	if _, err := h.proposals.Dispute(f.ProposalID, disputant, f.Reason); err != nil {
		h.disputes.Close(d.ID)
		h.ratings.Adjust(disputant, h.cfg.Dispute.FilingFee)
		s.sendError(protocol.ErrInvalidTransition, "%v", err)
		return
	}

	s.sendFrame(&protocol.Frame{
		Type:        protocol.TypeDisputeIntentAck,
		DisputeID:   d.ID,
		ProposalID:  d.ProposalID,
		ServerNonce: d.ServerNonce,
		Phase:       d.Phase,
		Deadline:    d.Deadline.UnixMilli(),
	})
	h.deliverTo(respondent, &protocol.Frame{
		Type: protocol.TypeDisputeIntent, DisputeID: d.ID, ProposalID: d.ProposalID,
		Disputant: disputant, Reason: f.Reason, Phase: d.Phase,
	})
}

func (h *Hub) handleDisputeReveal(s *Session, f *protocol.Frame) {
	content := identity.DisputeRevealContent(f.ProposalID, f.Nonce)
	if !h.requireSigned(s, content, f.Sig) {
		return
	}
	d, ok := h.disputes.ByProposal(f.ProposalID)
	if !ok {
		s.sendError(protocol.ErrInvalidTransition, "no dispute for proposal %s", f.ProposalID)
		return
	}
	if s.AgentID() != d.Disputant {
		s.sendError(protocol.ErrNotAllowed, "only the disputant can reveal")
		return
	}
	snap, err := h.disputes.Reveal(d.ID, f.Nonce)
	if err != nil {
		s.sendError(protocol.ErrVerificationFailed, "%v", err)
		return
	}
	h.notify([]string{snap.Disputant, snap.Respondent}, &protocol.Frame{
		Type: protocol.TypeDisputeRevealed, DisputeID: snap.ID,
		ProposalID: snap.ProposalID, Phase: snap.Phase,
	})
}

func (h *Hub) handleEvidence(s *Session, f *protocol.Frame) {
	itemsJSON, err := json.Marshal(f.Items)
	if err != nil {
		s.sendError(protocol.ErrInvalidMsg, "malformed evidence items")
		return
	}
	hash := identity.HashHex(string(itemsJSON))
	if f.ItemsHash != "" && f.ItemsHash != hash {
		s.sendError(protocol.ErrVerificationFailed, "items hash mismatch")
		return
	}
	content := identity.EvidenceContent(f.DisputeID, hash)
	if !h.requireSigned(s, content, f.Sig) {
		return
	}
	snap, err := h.disputes.SubmitEvidence(f.DisputeID, s.AgentID(), f.Items, hash)
	if err != nil {
		s.sendError(protocol.ErrInvalidTransition, "%v", err)
		return
	}
	s.sendFrame(&protocol.Frame{
		Type: protocol.TypeEvidenceReceived, DisputeID: snap.ID, ItemsHash: hash, Phase: snap.Phase,
	})
}

func (h *Hub) handleArbiterAccept(s *Session, f *protocol.Frame) {
	content := identity.ArbiterAcceptContent(f.DisputeID)
	if !h.requireSigned(s, content, f.Sig) {
		return
	}
	arbiter := s.AgentID()
	if !h.ratings.CanStake(arbiter, h.cfg.Dispute.ArbiterStake) {
		s.sendError(protocol.ErrNotAllowed, "available rating cannot cover the arbiter stake")
		return
	}
	snap, err := h.disputes.ArbiterAccept(f.DisputeID, arbiter)
	if err != nil {
		s.sendError(protocol.ErrInvalidTransition, "%v", err)
		return
	}
	s.sendFrame(&protocol.Frame{Type: protocol.TypeArbiterAccept, DisputeID: snap.ID, Phase: snap.Phase})
}

func (h *Hub) handleArbiterDecline(s *Session, f *protocol.Frame) {
	if !s.Keyed() {
		s.sendError(protocol.ErrNoPubkey, "operation requires a verified keyed identity")
		return
	}
	snap, err := h.disputes.ArbiterDecline(f.DisputeID, s.AgentID())
	if err != nil {
		s.sendError(protocol.ErrInvalidTransition, "%v", err)
		return
	}
	s.sendFrame(&protocol.Frame{Type: protocol.TypeArbiterDecline, DisputeID: snap.ID, Phase: snap.Phase})
}

func (h *Hub) handleArbiterVote(s *Session, f *protocol.Frame) {
	content := identity.VoteContent(f.DisputeID, f.Verdict)
	if !h.requireSigned(s, content, f.Sig) {
		return
	}
	snap, err := h.disputes.Vote(f.DisputeID, s.AgentID(), f.Verdict, f.Reasoning)
	if err != nil {
		s.sendError(protocol.ErrInvalidTransition, "%v", err)
		return
	}
	s.sendFrame(&protocol.Frame{Type: protocol.TypeArbiterVote, DisputeID: snap.ID, Phase: snap.Phase})
}

// ============================================================================
// DISPUTE EVENTS (dispute.Events implementation)
// ============================================================================

// PanelFormed tells both parties who will hear the case.
func (h *Hub) PanelFormed(d dispute.Snapshot) {
	h.notify([]string{d.Disputant, d.Respondent}, &protocol.Frame{
		Type: protocol.TypePanelFormed, DisputeID: d.ID, ProposalID: d.ProposalID,
		Arbiters: d.Arbiters, Phase: d.Phase, Deadline: d.Deadline.UnixMilli(),
	})
}

// ArbiterAssigned privately summons one panel member.
func (h *Hub) ArbiterAssigned(d dispute.Snapshot, arbiter string) {
	h.deliverTo(arbiter, &protocol.Frame{
		Type: protocol.TypeArbiterAssigned, DisputeID: d.ID, ProposalID: d.ProposalID,
		Disputant: d.Disputant, Respondent: d.Respondent, Reason: d.Reason,
		Phase: d.Phase, Deadline: d.Deadline.UnixMilli(),
	})
}

// SlotForfeited logs a lost seat; the stake is applied at settlement.
func (h *Hub) SlotForfeited(d dispute.Snapshot, arbiter string) {
	h.logger.Info("arbiter slot forfeited", "dispute_id", d.ID, "arbiter", arbiter)
}

// EvidenceOpen tells both parties the panel is seated and the evidence
// window is running.
func (h *Hub) EvidenceOpen(d dispute.Snapshot) {
	h.notify([]string{d.Disputant, d.Respondent}, &protocol.Frame{
		Type: protocol.TypePanelFormed, DisputeID: d.ID, ProposalID: d.ProposalID,
		Arbiters: d.Accepted, Phase: d.Phase, Deadline: d.Deadline.UnixMilli(),
	})
}

// CaseReady hands every accepted arbiter both evidence bundles.
func (h *Hub) CaseReady(d dispute.Snapshot) {
	f := &protocol.Frame{
		Type: protocol.TypeCaseReady, DisputeID: d.ID, ProposalID: d.ProposalID,
		Disputant: d.Disputant, Respondent: d.Respondent, Reason: d.Reason,
		DisputantItems:  d.Evidence[d.Disputant],
		RespondentItems: d.Evidence[d.Respondent],
		DisputantHash:   d.EvidenceHash[d.Disputant],
		RespondentHash:  d.EvidenceHash[d.Respondent],
		Phase:           d.Phase, Deadline: d.Deadline.UnixMilli(),
	}
	h.notify(d.Accepted, f)
}

// Fallback applies legacy settlement when the panel cannot be formed. A
// disputant who never revealed is at fault; otherwise the respondent is.
func (h *Hub) Fallback(d dispute.Snapshot) {
	defer h.disputes.Close(d.ID)
	live, ok := h.proposals.Get(d.ProposalID)
	if !ok {
		h.logger.Error("fallback for unknown proposal", "dispute_id", d.ID, "proposal_id", d.ProposalID)
		return
	}
	atFault := d.Respondent
	if d.FallbackCause == dispute.CauseRevealTimeout {
		atFault = d.Disputant
	}
	deltas, err := h.settler.LegacyDispute(live.Snapshot(), atFault, d.FallbackReason)
	if err != nil {
		h.logger.Error("fallback settlement failed", "dispute_id", d.ID, "error", err)
	}
	metrics.Disputes.WithLabelValues("fallback").Inc()
	h.notify([]string{d.Disputant, d.Respondent}, &protocol.Frame{
		Type: protocol.TypeDisputeFallback, DisputeID: d.ID, ProposalID: d.ProposalID,
		Reason: d.FallbackReason, RatingChanges: deltas,
	})
}

// Resolved settles the verdict and fans VERDICT then SETTLEMENT_COMPLETE
// out to parties and arbiters.
func (h *Hub) Resolved(d dispute.Snapshot) {
	defer h.disputes.Close(d.ID)
	live, ok := h.proposals.Get(d.ProposalID)
	if !ok {
		h.logger.Error("verdict for unknown proposal", "dispute_id", d.ID, "proposal_id", d.ProposalID)
		return
	}
	changes, err := h.settler.Verdict(d, live.Snapshot())
	if err != nil {
		h.logger.Error("verdict settlement failed", "dispute_id", d.ID, "error", err)
	}
	metrics.Disputes.WithLabelValues(d.Verdict).Inc()

	recipients := append([]string{d.Disputant, d.Respondent}, d.Arbiters...)
	h.notify(recipients, &protocol.Frame{
		Type: protocol.TypeVerdict, DisputeID: d.ID, ProposalID: d.ProposalID,
		Verdict: d.Verdict, Arbiters: d.Arbiters, RatingChanges: changes,
	})
	h.notify(recipients, &protocol.Frame{
		Type: protocol.TypeSettlementComplete, DisputeID: d.ID, ProposalID: d.ProposalID,
		RatingChanges: changes,
	})
}

// ============================================================================
// ADMIN
// ============================================================================

func (h *Hub) handleAdmin(s *Session, f *protocol.Frame) {
	if !h.access.CheckAdminKey(f.AdminKey) {
		s.sendError(protocol.ErrAuthRequired, "invalid admin key")
		return
	}
	var msg string
	switch f.Type {
	case protocol.TypeAdminKick:
		if h.kick(f.AgentID, f.Reason) {
			msg = "kicked " + f.AgentID
		} else {
			msg = f.AgentID + " is not connected"
		}
	case protocol.TypeAdminBan:
		key := f.AgentID
		if key == "" {
			key = f.PubKey
		}
		if err := h.access.Ban(key, f.Reason); err != nil {
			s.sendError(protocol.ErrInvalidMsg, "%v", err)
			return
		}
		h.kick(f.AgentID, f.Reason)
		msg = "banned " + key
	case protocol.TypeAdminUnban:
		key := f.AgentID
		if key == "" {
			key = f.PubKey
		}
		if err := h.access.Unban(key); err != nil {
			s.sendError(protocol.ErrInvalidMsg, "%v", err)
			return
		}
		msg = "unbanned " + key
	case protocol.TypeAdminApprove:
		if err := h.access.Approve(f.PubKey, f.Note); err != nil {
			s.sendError(protocol.ErrInvalidMsg, "%v", err)
			return
		}
		msg = "approved " + f.PubKey
	case protocol.TypeAdminRevoke:
		if err := h.access.Revoke(f.PubKey); err != nil {
			s.sendError(protocol.ErrInvalidMsg, "%v", err)
			return
		}
		msg = "revoked " + f.PubKey
	}
	s.sendFrame(&protocol.Frame{Type: protocol.TypeAdminResult, Status: "ok", Message: msg})
}

func (h *Hub) kick(agentID, reason string) bool {
	target, ok := h.session(agentID)
	if !ok {
		return false
	}
	target.sendFrame(&protocol.Frame{Type: protocol.TypeKicked, Reason: reason})
	target.close()
	h.logger.Info("kicked agent", "agent_id", agentID, "reason", reason)
	return true
}
