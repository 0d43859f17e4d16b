// Package dispute implements the commit-reveal, panel-based arbitration
// flow. A dispute moves through a strict phase machine; every mutation is
// serialized per-dispute so no handler observes an intermediate phase.
package dispute

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/schedule"
)

// Phases.
const (
	PhaseRevealPending   = "reveal_pending"
	PhasePanelSelection  = "panel_selection"
	PhaseArbiterResponse = "arbiter_response"
	PhaseEvidence        = "evidence"
	PhaseDeliberation    = "deliberation"
	PhaseResolved        = "resolved"
	PhaseFallback        = "fallback"
)

// Verdicts.
const (
	VerdictDisputant  = "disputant"
	VerdictRespondent = "respondent"
	VerdictMutual     = "mutual"
)

// FallbackCause identifies why a dispute left the panel path.
type FallbackCause string

const (
	CauseRevealTimeout         FallbackCause = "reveal_timeout"
	CausePoolTooSmall          FallbackCause = "pool_too_small"
	CauseReplacementsExhausted FallbackCause = "replacements_exhausted"
)

// Arbiter slot states.
const (
	SlotPending   = "pending"
	SlotAccepted  = "accepted"
	SlotDeclined  = "declined"
	SlotForfeited = "forfeited"
	SlotVoted     = "voted"
)

// Config holds the tunable arbitration constants.
type Config struct {
	PanelSize            int           `yaml:"panel_size"`
	ArbiterStake         int           `yaml:"arbiter_stake"`
	ArbiterReward        int           `yaml:"arbiter_reward"`
	MinRating            int           `yaml:"min_rating"`
	MinTransactions      int           `yaml:"min_transactions"`
	IndependenceWindow   time.Duration `yaml:"independence_window"`
	MinAccountAge        time.Duration `yaml:"min_account_age"`
	FilingFee            int           `yaml:"filing_fee"`
	RevealWindow         time.Duration `yaml:"reveal_window"`
	ArbiterWindow        time.Duration `yaml:"arbiter_window"`
	EvidenceWindow       time.Duration `yaml:"evidence_window"`
	VoteWindow           time.Duration `yaml:"vote_window"`
	OverallCap           time.Duration `yaml:"overall_cap"`
	MaxEvidenceItems     int           `yaml:"max_evidence_items"`
	MaxReplacementRounds int           `yaml:"max_replacement_rounds"`
}

// DefaultConfig returns the standard arbitration constants.
func DefaultConfig() Config {
	return Config{
		PanelSize:            3,
		ArbiterStake:         25,
		ArbiterReward:        5,
		MinRating:            1200,
		MinTransactions:      10,
		IndependenceWindow:   30 * 24 * time.Hour,
		MinAccountAge:        7 * 24 * time.Hour,
		FilingFee:            10,
		RevealWindow:         10 * time.Minute,
		ArbiterWindow:        30 * time.Minute,
		EvidenceWindow:       time.Hour,
		VoteWindow:           time.Hour,
		OverallCap:           4 * time.Hour,
		MaxEvidenceItems:     10,
		MaxReplacementRounds: 2,
	}
}

// Slot is one arbiter seat on the panel.
type Slot struct {
	AgentID   string
	Status    string
	Verdict   string
	Reasoning string
}

// Dispute is one arbitration case.
type Dispute struct {
	mu sync.Mutex

	ID          string
	ProposalID  string
	Disputant   string
	Respondent  string
	Reason      string
	Commitment  string
	ServerNonce string

	Phase    string
	Deadline time.Time

	pool         []string // shuffled draw order; next replacement comes from poolNext
	poolNext     int
	replacements int

	Slots []*Slot

	Evidence     map[string][]protocol.EvidenceItem
	EvidenceHash map[string]string

	Verdict        string
	FallbackCause  FallbackCause
	FallbackReason string
	CreatedAt      time.Time
}

// Snapshot is a consistent, lock-free copy handed to emitters and the
// settlement coordinator.
type Snapshot struct {
	ID          string
	ProposalID  string
	Disputant   string
	Respondent  string
	Reason      string
	ServerNonce string
	Phase       string
	Deadline    time.Time

	Arbiters  []string // all current slots
	Accepted  []string
	Forfeited []string // declined or timed out, stake lost
	Voted     map[string]string
	Reasoning map[string]string

	Evidence     map[string][]protocol.EvidenceItem
	EvidenceHash map[string]string

	Verdict        string
	FallbackCause  FallbackCause
	FallbackReason string
}

func (d *Dispute) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:             d.ID,
		ProposalID:     d.ProposalID,
		Disputant:      d.Disputant,
		Respondent:     d.Respondent,
		Reason:         d.Reason,
		ServerNonce:    d.ServerNonce,
		Phase:          d.Phase,
		Deadline:       d.Deadline,
		Verdict:        d.Verdict,
		FallbackCause:  d.FallbackCause,
		FallbackReason: d.FallbackReason,
		Voted:          make(map[string]string),
		Reasoning:      make(map[string]string),
		Evidence:       make(map[string][]protocol.EvidenceItem),
		EvidenceHash:   make(map[string]string),
	}
	for _, slot := range d.Slots {
		s.Arbiters = append(s.Arbiters, slot.AgentID)
		switch slot.Status {
		case SlotAccepted:
			s.Accepted = append(s.Accepted, slot.AgentID)
		case SlotVoted:
			s.Accepted = append(s.Accepted, slot.AgentID)
			s.Voted[slot.AgentID] = slot.Verdict
			s.Reasoning[slot.AgentID] = slot.Reasoning
		case SlotDeclined, SlotForfeited:
			s.Forfeited = append(s.Forfeited, slot.AgentID)
		}
	}
	for party, items := range d.Evidence {
		s.Evidence[party] = append([]protocol.EvidenceItem(nil), items...)
	}
	for party, h := range d.EvidenceHash {
		s.EvidenceHash[party] = h
	}
	return s
}

// Events receives phase-machine notifications. Implemented by the hub,
// which turns them into wire frames and settlement calls. Handlers run
// after the dispute lock is released, so they may call back into the
// Store; the snapshot is consistent as of the mutation that produced it.
type Events interface {
	PanelFormed(s Snapshot)
	ArbiterAssigned(s Snapshot, arbiter string)
	SlotForfeited(s Snapshot, arbiter string)
	EvidenceOpen(s Snapshot)
	CaseReady(s Snapshot)
	Fallback(s Snapshot)
	Resolved(s Snapshot)
}

// pendingEvents queues notifications built under the dispute lock. They
// fire in order once the lock is released.
type pendingEvents struct {
	queued []func(Events)
}

func (p *pendingEvents) add(fn func(Events)) {
	p.queued = append(p.queued, fn)
}

func (p *pendingEvents) flush(ev Events) {
	for _, fn := range p.queued {
		fn(ev)
	}
}

// PoolFunc returns the eligible arbiter pool for a dispute: verified keyed
// agents meeting the rating, transaction-count and account-age thresholds
// who are neither party and had no transactions with either party inside
// the independence window.
type PoolFunc func(disputant, respondent string) []string

// Store holds live disputes.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*Dispute
	byProp map[string]*Dispute

	cfg    Config
	sched  *schedule.Scheduler
	pool   PoolFunc
	events Events
	logger *slog.Logger
}

// NewStore builds a dispute store wired to a scheduler, an eligibility
// source and an event sink.
func NewStore(cfg Config, sched *schedule.Scheduler, pool PoolFunc, events Events) *Store {
	return &Store{
		byID:   make(map[string]*Dispute),
		byProp: make(map[string]*Dispute),
		cfg:    cfg,
		sched:  sched,
		pool:   pool,
		events: events,
		logger: slog.With("component", "dispute"),
	}
}

// Config returns the arbitration constants in force.
func (s *Store) Config() Config { return s.cfg }

// Get returns the dispute by id.
func (s *Store) Get(id string) (Snapshot, bool) {
	s.mu.RLock()
	d, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(), true
}

// ByProposal returns the dispute attached to a proposal.
func (s *Store) ByProposal(proposalID string) (Snapshot, bool) {
	s.mu.RLock()
	d, ok := s.byProp[proposalID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(), true
}

// ============================================================================
// PHASE 1: INTENT
// ============================================================================

// FileIntent opens a dispute in reveal_pending. The commitment is the
// SHA-256 of a nonce the disputant reveals later. Returns the ack snapshot
// carrying the dispute id and server nonce.
func (s *Store) FileIntent(proposalID, disputant, respondent, reason, commitment string) (Snapshot, error) {
	if commitment == "" {
		return Snapshot{}, fmt.Errorf("commitment must not be empty")
	}
	serverNonce, err := identity.GenerateNonce()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to generate server nonce: %w", err)
	}
	s.mu.Lock()
	if _, exists := s.byProp[proposalID]; exists {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("proposal %s already has an open dispute", proposalID)
	}
	d := &Dispute{
		ID:           "disp_" + uuid.NewString()[:8],
		ProposalID:   proposalID,
		Disputant:    disputant,
		Respondent:   respondent,
		Reason:       reason,
		Commitment:   commitment,
		ServerNonce:  serverNonce,
		Phase:        PhaseRevealPending,
		Deadline:     time.Now().Add(s.cfg.RevealWindow),
		Evidence:     make(map[string][]protocol.EvidenceItem),
		EvidenceHash: make(map[string]string),
		CreatedAt:    time.Now(),
	}
	s.byID[d.ID] = d
	s.byProp[proposalID] = d
	s.mu.Unlock()

	s.sched.Schedule(s.key(d.ID, "reveal"), s.cfg.RevealWindow, func() {
		s.revealTimeout(d.ID)
	})
	s.sched.Schedule(s.key(d.ID, "cap"), s.cfg.OverallCap, func() {
		s.overallTimeout(d.ID)
	})

	s.logger.Info("dispute filed", "dispute_id", d.ID, "proposal_id", proposalID, "disputant", disputant)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(), nil
}

func (s *Store) key(disputeID, what string) string {
	return "dispute:" + disputeID + ":" + what
}

func (s *Store) revealTimeout(id string) {
	s.withDispute(id, func(d *Dispute, ev *pendingEvents) {
		if d.Phase != PhaseRevealPending {
			return
		}
		// The disputant failed to reveal; they are treated as at fault.
		s.fallbackLocked(d, ev, CauseRevealTimeout, "reveal window expired")
	})
}

// ============================================================================
// PHASE 2: REVEAL AND PANEL SELECTION
// ============================================================================

// Reveal verifies the nonce against the commitment, derives the selection
// seed and forms the panel, or falls back when the pool is too small.
func (s *Store) Reveal(id, nonce string) (Snapshot, error) {
	var snap Snapshot
	err := s.withDisputeErr(id, func(d *Dispute, ev *pendingEvents) error {
		if d.Phase != PhaseRevealPending {
			return fmt.Errorf("dispute %s is in phase %s", id, d.Phase)
		}
		if identity.HashHex(nonce) != d.Commitment {
			return fmt.Errorf("nonce does not match commitment")
		}
		s.sched.Cancel(s.key(id, "reveal"))
		d.Phase = PhasePanelSelection

		seed := Seed(d.ProposalID, nonce, d.ServerNonce)
		d.pool = ShufflePool(seed, s.pool(d.Disputant, d.Respondent))
		if len(d.pool) < s.cfg.PanelSize {
			s.fallbackLocked(d, ev, CausePoolTooSmall, fmt.Sprintf("eligible pool too small (%d < %d)", len(d.pool), s.cfg.PanelSize))
			snap = d.snapshotLocked()
			return nil
		}

		for i := 0; i < s.cfg.PanelSize; i++ {
			d.Slots = append(d.Slots, &Slot{AgentID: d.pool[i], Status: SlotPending})
		}
		d.poolNext = s.cfg.PanelSize
		d.Phase = PhaseArbiterResponse
		d.Deadline = time.Now().Add(s.cfg.ArbiterWindow)

		s.sched.Schedule(s.key(id, "arbiters"), s.cfg.ArbiterWindow, func() {
			s.arbiterTimeout(id)
		})

		snap = d.snapshotLocked()
		formed := snap
		ev.add(func(e Events) { e.PanelFormed(formed) })
		for _, slot := range d.Slots {
			arbiter := slot.AgentID
			ev.add(func(e Events) { e.ArbiterAssigned(formed, arbiter) })
		}
		return nil
	})
	return snap, err
}

// ============================================================================
// PHASE 3: ARBITER RESPONSE
// ============================================================================

// ArbiterAccept records a panel member's acceptance. When the last slot
// accepts, the evidence window opens.
func (s *Store) ArbiterAccept(id, arbiter string) (Snapshot, error) {
	var snap Snapshot
	err := s.withDisputeErr(id, func(d *Dispute, ev *pendingEvents) error {
		if d.Phase != PhaseArbiterResponse {
			return fmt.Errorf("dispute %s is in phase %s", id, d.Phase)
		}
		slot := d.slot(arbiter)
		if slot == nil {
			return fmt.Errorf("%s is not on the panel", arbiter)
		}
		if slot.Status != SlotPending {
			return fmt.Errorf("slot already %s", slot.Status)
		}
		slot.Status = SlotAccepted

		if d.allAccepted() {
			s.openEvidenceLocked(d, ev)
		}
		snap = d.snapshotLocked()
		return nil
	})
	return snap, err
}

// ArbiterDecline forfeits the slot's stake and draws a replacement.
func (s *Store) ArbiterDecline(id, arbiter string) (Snapshot, error) {
	var snap Snapshot
	err := s.withDisputeErr(id, func(d *Dispute, ev *pendingEvents) error {
		if d.Phase != PhaseArbiterResponse {
			return fmt.Errorf("dispute %s is in phase %s", id, d.Phase)
		}
		slot := d.slot(arbiter)
		if slot == nil {
			return fmt.Errorf("%s is not on the panel", arbiter)
		}
		if slot.Status != SlotPending {
			return fmt.Errorf("slot already %s", slot.Status)
		}
		slot.Status = SlotDeclined
		declined := d.snapshotLocked()
		ev.add(func(e Events) { e.SlotForfeited(declined, arbiter) })
		s.replaceLocked(d, ev)
		snap = d.snapshotLocked()
		return nil
	})
	return snap, err
}

func (d *Dispute) slot(arbiter string) *Slot {
	for _, s := range d.Slots {
		if s.AgentID == arbiter && (s.Status == SlotPending || s.Status == SlotAccepted) {
			return s
		}
	}
	return nil
}

func (d *Dispute) allAccepted() bool {
	live := 0
	for _, s := range d.Slots {
		switch s.Status {
		case SlotPending:
			return false
		case SlotAccepted:
			live++
		}
	}
	return live > 0
}

// replaceLocked draws the next candidate from the shuffled pool into a new
// pending slot. Exhausting the pool or the replacement budget falls back.
func (s *Store) replaceLocked(d *Dispute, ev *pendingEvents) {
	if d.replacements >= s.cfg.MaxReplacementRounds || d.poolNext >= len(d.pool) {
		s.fallbackLocked(d, ev, CauseReplacementsExhausted, "arbiter replacements exhausted")
		return
	}
	d.replacements++
	next := d.pool[d.poolNext]
	d.poolNext++
	d.Slots = append(d.Slots, &Slot{AgentID: next, Status: SlotPending})
	d.Deadline = time.Now().Add(s.cfg.ArbiterWindow)
	s.sched.Schedule(s.key(d.ID, "arbiters"), s.cfg.ArbiterWindow, func() {
		s.arbiterTimeout(d.ID)
	})
	assigned := d.snapshotLocked()
	ev.add(func(e Events) { e.ArbiterAssigned(assigned, next) })
}

func (s *Store) arbiterTimeout(id string) {
	s.withDispute(id, func(d *Dispute, ev *pendingEvents) {
		if d.Phase != PhaseArbiterResponse {
			return
		}
		var stale []*Slot
		for _, slot := range d.Slots {
			if slot.Status == SlotPending {
				slot.Status = SlotForfeited
				stale = append(stale, slot)
			}
		}
		for _, slot := range stale {
			forfeited := d.snapshotLocked()
			arbiter := slot.AgentID
			ev.add(func(e Events) { e.SlotForfeited(forfeited, arbiter) })
			s.replaceLocked(d, ev)
			if d.Phase != PhaseArbiterResponse {
				return
			}
		}
		if d.allAccepted() {
			s.openEvidenceLocked(d, ev)
		}
	})
}

// ============================================================================
// PHASE 4: EVIDENCE
// ============================================================================

func (s *Store) openEvidenceLocked(d *Dispute, ev *pendingEvents) {
	s.sched.Cancel(s.key(d.ID, "arbiters"))
	d.Phase = PhaseEvidence
	d.Deadline = time.Now().Add(s.cfg.EvidenceWindow)
	s.sched.Schedule(s.key(d.ID, "evidence"), s.cfg.EvidenceWindow, func() {
		s.closeEvidence(d.ID)
	})
	opened := d.snapshotLocked()
	ev.add(func(e Events) { e.EvidenceOpen(opened) })
}

// SubmitEvidence records one immutable evidence bundle per party.
func (s *Store) SubmitEvidence(id, party string, items []protocol.EvidenceItem, itemsHash string) (Snapshot, error) {
	var snap Snapshot
	err := s.withDisputeErr(id, func(d *Dispute, ev *pendingEvents) error {
		if d.Phase != PhaseEvidence {
			return fmt.Errorf("dispute %s is in phase %s", id, d.Phase)
		}
		if party != d.Disputant && party != d.Respondent {
			return fmt.Errorf("only a party to the dispute can submit evidence")
		}
		if _, dup := d.Evidence[party]; dup {
			return fmt.Errorf("evidence already submitted")
		}
		if len(items) == 0 || len(items) > s.cfg.MaxEvidenceItems {
			return fmt.Errorf("evidence must contain 1 to %d items", s.cfg.MaxEvidenceItems)
		}
		d.Evidence[party] = append([]protocol.EvidenceItem(nil), items...)
		d.EvidenceHash[party] = itemsHash

		// Both parties in: close the window early.
		if len(d.Evidence) == 2 {
			s.closeEvidenceLocked(d, ev)
		}
		snap = d.snapshotLocked()
		return nil
	})
	return snap, err
}

func (s *Store) closeEvidence(id string) {
	s.withDispute(id, func(d *Dispute, ev *pendingEvents) {
		if d.Phase != PhaseEvidence {
			return
		}
		s.closeEvidenceLocked(d, ev)
	})
}

func (s *Store) closeEvidenceLocked(d *Dispute, ev *pendingEvents) {
	s.sched.Cancel(s.key(d.ID, "evidence"))
	d.Phase = PhaseDeliberation
	d.Deadline = time.Now().Add(s.cfg.VoteWindow)
	s.sched.Schedule(s.key(d.ID, "votes"), s.cfg.VoteWindow, func() {
		s.voteTimeout(d.ID)
	})
	ready := d.snapshotLocked()
	ev.add(func(e Events) { e.CaseReady(ready) })
}

// ============================================================================
// PHASE 5: DELIBERATION
// ============================================================================

// Vote records one arbiter verdict. The last expected vote triggers the
// tally.
func (s *Store) Vote(id, arbiter, verdict, reasoning string) (Snapshot, error) {
	var snap Snapshot
	err := s.withDisputeErr(id, func(d *Dispute, ev *pendingEvents) error {
		if d.Phase != PhaseDeliberation {
			return fmt.Errorf("dispute %s is in phase %s", id, d.Phase)
		}
		switch verdict {
		case VerdictDisputant, VerdictRespondent, VerdictMutual:
		default:
			return fmt.Errorf("unknown verdict %q", verdict)
		}
		var slot *Slot
		for _, sl := range d.Slots {
			if sl.AgentID == arbiter {
				slot = sl
				break
			}
		}
		if slot == nil {
			return fmt.Errorf("%s is not on the panel", arbiter)
		}
		switch slot.Status {
		case SlotAccepted:
		case SlotVoted:
			return fmt.Errorf("vote already cast")
		default:
			return fmt.Errorf("slot is %s", slot.Status)
		}
		slot.Status = SlotVoted
		slot.Verdict = verdict
		slot.Reasoning = reasoning

		if d.allVotesIn() {
			s.resolveLocked(d, ev)
		}
		snap = d.snapshotLocked()
		return nil
	})
	return snap, err
}

func (d *Dispute) allVotesIn() bool {
	for _, s := range d.Slots {
		if s.Status == SlotAccepted {
			return false
		}
	}
	return true
}

func (s *Store) voteTimeout(id string) {
	s.withDispute(id, func(d *Dispute, ev *pendingEvents) {
		if d.Phase != PhaseDeliberation {
			return
		}
		for _, slot := range d.Slots {
			if slot.Status == SlotAccepted {
				slot.Status = SlotForfeited
				forfeited := d.snapshotLocked()
				arbiter := slot.AgentID
				ev.add(func(e Events) { e.SlotForfeited(forfeited, arbiter) })
			}
		}
		s.resolveLocked(d, ev)
	})
}

// resolveLocked tallies cast votes. Majority wins; three distinct verdicts
// or no majority resolve as mutual.
func (s *Store) resolveLocked(d *Dispute, ev *pendingEvents) {
	s.cancelTimersLocked(d)
	counts := make(map[string]int)
	cast := 0
	for _, slot := range d.Slots {
		if slot.Status == SlotVoted {
			counts[slot.Verdict]++
			cast++
		}
	}
	verdict := VerdictMutual
	for v, n := range counts {
		if n*2 > cast {
			verdict = v
		}
	}
	d.Verdict = verdict
	d.Phase = PhaseResolved
	s.logger.Info("dispute resolved", "dispute_id", d.ID, "verdict", verdict, "votes", cast)
	resolved := d.snapshotLocked()
	ev.add(func(e Events) { e.Resolved(resolved) })
}

// ============================================================================
// TERMINALS
// ============================================================================

func (s *Store) overallTimeout(id string) {
	s.withDispute(id, func(d *Dispute, ev *pendingEvents) {
		if d.Phase == PhaseResolved || d.Phase == PhaseFallback {
			return
		}
		d.Verdict = VerdictMutual
		d.Phase = PhaseResolved
		d.FallbackReason = "overall dispute cap reached"
		s.cancelTimersLocked(d)
		s.logger.Warn("dispute hit overall cap", "dispute_id", d.ID)
		resolved := d.snapshotLocked()
		ev.add(func(e Events) { e.Resolved(resolved) })
	})
}

func (s *Store) fallbackLocked(d *Dispute, ev *pendingEvents, cause FallbackCause, reason string) {
	s.cancelTimersLocked(d)
	d.Phase = PhaseFallback
	d.FallbackCause = cause
	d.FallbackReason = reason
	s.logger.Warn("dispute fell back to legacy settlement", "dispute_id", d.ID, "cause", string(cause), "reason", reason)
	fell := d.snapshotLocked()
	ev.add(func(e Events) { e.Fallback(fell) })
}

func (s *Store) cancelTimersLocked(d *Dispute) {
	for _, what := range []string{"reveal", "arbiters", "evidence", "votes", "cap"} {
		s.sched.Cancel(s.key(d.ID, what))
	}
}

// Close evicts a dispute from both indexes and cancels any outstanding
// timers. Terminal cases are closed after settlement; an aborted filing is
// closed immediately so the proposal can be re-disputed.
func (s *Store) Close(id string) {
	s.mu.Lock()
	d, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
		delete(s.byProp, d.ProposalID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	d.mu.Lock()
	s.cancelTimersLocked(d)
	d.mu.Unlock()
}

func (s *Store) withDispute(id string, fn func(*Dispute, *pendingEvents)) {
	s.mu.RLock()
	d, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	var ev pendingEvents
	d.mu.Lock()
	fn(d, &ev)
	d.mu.Unlock()
	ev.flush(s.events)
}

func (s *Store) withDisputeErr(id string, fn func(*Dispute, *pendingEvents) error) error {
	s.mu.RLock()
	d, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("dispute %s not found", id)
	}
	var ev pendingEvents
	d.mu.Lock()
	err := fn(d, &ev)
	d.mu.Unlock()
	ev.flush(s.events)
	return err
}
