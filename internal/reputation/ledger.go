// Package reputation implements the ELO-style rating ledger and the escrow
// accounting attached to proposals. Ratings are the only agent state that
// survives a server restart; they persist as a single JSON object keyed by
// agent id.
package reputation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one agent's persisted rating entry.
type Record struct {
	Rating       int       `json:"rating"`
	Transactions int       `json:"transactions"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
}

// EscrowStatus tracks the lifecycle of a stake escrow.
type EscrowStatus string

const (
	EscrowActive   EscrowStatus = "active"
	EscrowSettled  EscrowStatus = "settled"
	EscrowReleased EscrowStatus = "released"
)

// Escrow holds the stakes withheld for one accepted proposal.
type Escrow struct {
	ProposalID    string
	Proposer      string
	Acceptor      string
	ProposerStake int
	AcceptorStake int
	Status        EscrowStatus
	CreatedAt     time.Time
}

// Escrow event kinds delivered to observers.
const (
	EventEscrowCreated    = "created"
	EventCompletionSettle = "completion_settled"
	EventDisputeSettle    = "dispute_settled"
	EventEscrowReleased   = "released"
)

// EscrowEvent notifies observers of escrow lifecycle transitions.
type EscrowEvent struct {
	Kind       string
	ProposalID string
	Escrow     Escrow
	Deltas     map[string]int // rating deltas applied as part of the transition
}

// Observer receives escrow events after the ledger lock is released.
type Observer func(EscrowEvent)

// Ledger is the process-wide rating and escrow store.
type Ledger struct {
	mu        sync.Mutex
	records   map[string]*Record
	escrows   map[string]*Escrow   // proposal id → escrow
	lastPair  map[string]time.Time // "a|b" (ordered) → last transaction time
	path      string               // ratings.json; empty = in-memory only
	observers []Observer
	logger    *slog.Logger
}

// NewLedger loads (or initializes) the ledger backed by ratings.json in dir.
// An empty dir keeps the ledger memory-only, which tests use.
func NewLedger(dir string) (*Ledger, error) {
	l := &Ledger{
		records:  make(map[string]*Record),
		escrows:  make(map[string]*Escrow),
		lastPair: make(map[string]time.Time),
		logger:   slog.With("component", "reputation"),
	}
	if dir == "" {
		return l, nil
	}
	l.path = filepath.Join(dir, "ratings.json")
	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ratings file: %w", err)
	}
	if err := json.Unmarshal(raw, &l.records); err != nil {
		return nil, fmt.Errorf("failed to parse ratings file: %w", err)
	}
	return l, nil
}

// RegisterObserver subscribes to escrow events.
func (l *Ledger) RegisterObserver(obs Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, obs)
}

func (l *Ledger) emit(ev EscrowEvent) {
	l.mu.Lock()
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)
	l.mu.Unlock()
	for _, obs := range observers {
		obs(ev)
	}
}

// record returns the entry for an agent, creating it at the starting rating.
// Caller holds l.mu.
func (l *Ledger) record(agent string) *Record {
	rec, ok := l.records[agent]
	if !ok {
		now := time.Now()
		rec = &Record{Rating: StartRating, CreatedAt: now, LastUpdated: now}
		l.records[agent] = rec
	}
	return rec
}

// activeStakes sums the agent's stakes across active escrows. Caller holds l.mu.
func (l *Ledger) activeStakes(agent string) int {
	total := 0
	for _, e := range l.escrows {
		if e.Status != EscrowActive {
			continue
		}
		if e.Proposer == agent {
			total += e.ProposerStake
		}
		if e.Acceptor == agent {
			total += e.AcceptorStake
		}
	}
	return total
}

// applyDelta adjusts an agent's rating, clamped so the rating never drops
// below the floor plus the agent's active escrow total. Returns the delta
// actually applied. Caller holds l.mu.
func (l *Ledger) applyDelta(agent string, delta int) int {
	rec := l.record(agent)
	floor := RatingFloor + l.activeStakes(agent)
	next := rec.Rating + delta
	if next < floor {
		next = floor
	}
	applied := next - rec.Rating
	rec.Rating = next
	rec.LastUpdated = time.Now()
	return applied
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// recordTransaction bumps both parties' counters and the pair history.
// Caller holds l.mu.
func (l *Ledger) recordTransaction(a, b string) {
	now := time.Now()
	l.record(a).Transactions++
	l.record(b).Transactions++
	l.lastPair[pairKey(a, b)] = now
}

// ============================================================================
// READ SIDE
// ============================================================================

// Get returns a snapshot of an agent's record (starting values if unseen).
func (l *Ledger) Get(agent string) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.record(agent)
}

// Available is the rating an agent can still stake:
// rating − floor − active escrow total.
func (l *Ledger) Available(agent string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.record(agent)
	return rec.Rating - RatingFloor - l.activeStakes(agent)
}

// CanStake reports whether the agent's available rating covers a stake.
func (l *Ledger) CanStake(agent string, stake int) bool {
	if stake <= 0 {
		return true
	}
	return l.Available(agent) >= stake
}

// LastTransactionBetween returns the last completed-transaction time for a
// pair, zero if they never transacted. Used for arbiter independence.
func (l *Ledger) LastTransactionBetween(a, b string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPair[pairKey(a, b)]
}

// ActiveEscrow returns the active escrow for a proposal, if any.
func (l *Ledger) ActiveEscrow(proposalID string) (Escrow, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escrows[proposalID]
	if !ok || e.Status != EscrowActive {
		return Escrow{}, false
	}
	return *e, true
}

// ============================================================================
// ESCROW LIFECYCLE
// ============================================================================

// CreateEscrow withholds both parties' stakes for an accepted proposal. It
// fails when either party's available rating does not cover their stake.
func (l *Ledger) CreateEscrow(proposalID, proposer, acceptor string, proposerStake, acceptorStake int) error {
	l.mu.Lock()
	if _, exists := l.escrows[proposalID]; exists {
		l.mu.Unlock()
		return fmt.Errorf("escrow already exists for proposal %s", proposalID)
	}
	propRec := l.record(proposer)
	accRec := l.record(acceptor)
	if propRec.Rating-RatingFloor-l.activeStakes(proposer) < proposerStake {
		l.mu.Unlock()
		return fmt.Errorf("proposer %s cannot cover stake %d", proposer, proposerStake)
	}
	if accRec.Rating-RatingFloor-l.activeStakes(acceptor) < acceptorStake {
		l.mu.Unlock()
		return fmt.Errorf("acceptor %s cannot cover stake %d", acceptor, acceptorStake)
	}
	e := &Escrow{
		ProposalID:    proposalID,
		Proposer:      proposer,
		Acceptor:      acceptor,
		ProposerStake: proposerStake,
		AcceptorStake: acceptorStake,
		Status:        EscrowActive,
		CreatedAt:     time.Now(),
	}
	l.escrows[proposalID] = e
	snapshot := *e
	l.mu.Unlock()

	l.emit(EscrowEvent{Kind: EventEscrowCreated, ProposalID: proposalID, Escrow: snapshot})
	return nil
}

// SettleCompletion applies the COMPLETE rating rule to both parties, returns
// any escrowed stakes, and records the transaction. Returns the rating
// deltas keyed by agent id.
func (l *Ledger) SettleCompletion(proposalID, proposer, acceptor string, amount float64) map[string]int {
	l.mu.Lock()
	propRec := l.record(proposer)
	accRec := l.record(acceptor)
	deltas := map[string]int{
		proposer: completionGain(propRec, accRec, amount),
		acceptor: completionGain(accRec, propRec, amount),
	}

	var snapshot Escrow
	hadEscrow := false
	if e, ok := l.escrows[proposalID]; ok && e.Status == EscrowActive {
		e.Status = EscrowSettled
		snapshot = *e
		hadEscrow = true
	}
	for agent, d := range deltas {
		deltas[agent] = l.applyDelta(agent, d)
	}
	l.recordTransaction(proposer, acceptor)
	l.mu.Unlock()

	l.save()
	if hadEscrow {
		l.emit(EscrowEvent{Kind: EventCompletionSettle, ProposalID: proposalID, Escrow: snapshot, Deltas: deltas})
	}
	return deltas
}

// SettleDisputeAtFault applies the legacy unilateral dispute rule: the
// at-fault party loses round(K×E(other,self)), the other party gains half of
// that. Escrowed stakes both transfer to the non-fault party.
func (l *Ledger) SettleDisputeAtFault(proposalID, atFault, other string, amount float64) map[string]int {
	l.mu.Lock()
	loss := disputeLoss(l.record(atFault), l.record(other), amount)
	deltas := map[string]int{}

	var snapshot Escrow
	hadEscrow := false
	if e, ok := l.escrows[proposalID]; ok && e.Status == EscrowActive {
		e.Status = EscrowSettled
		snapshot = *e
		hadEscrow = true
		loserStake := e.ProposerStake
		if e.Acceptor == atFault {
			loserStake = e.AcceptorStake
		}
		deltas[atFault] = l.applyDelta(atFault, -(loss + loserStake))
		deltas[other] = l.applyDelta(other, loss/2+loserStake)
	} else {
		deltas[atFault] = l.applyDelta(atFault, -loss)
		deltas[other] = l.applyDelta(other, loss/2)
	}
	l.recordTransaction(atFault, other)
	l.mu.Unlock()

	l.save()
	if hadEscrow {
		l.emit(EscrowEvent{Kind: EventDisputeSettle, ProposalID: proposalID, Escrow: snapshot, Deltas: deltas})
	}
	return deltas
}

// SettleDisputeMutual applies the mutual-fault rule: both parties lose half
// their at-fault penalty, and any escrowed stakes are burned.
func (l *Ledger) SettleDisputeMutual(proposalID, a, b string, amount float64) map[string]int {
	l.mu.Lock()
	lossA := disputeLoss(l.record(a), l.record(b), amount) / 2
	lossB := disputeLoss(l.record(b), l.record(a), amount) / 2
	if lossA < 1 {
		lossA = 1
	}
	if lossB < 1 {
		lossB = 1
	}

	var snapshot Escrow
	hadEscrow := false
	if e, ok := l.escrows[proposalID]; ok && e.Status == EscrowActive {
		e.Status = EscrowSettled
		snapshot = *e
		hadEscrow = true
		lossA += e.ProposerStake
		lossB += e.AcceptorStake
		if e.Proposer != a {
			lossA, lossB = lossB, lossA
		}
	}
	deltas := map[string]int{
		a: l.applyDelta(a, -lossA),
		b: l.applyDelta(b, -lossB),
	}
	l.recordTransaction(a, b)
	l.mu.Unlock()

	l.save()
	if hadEscrow {
		l.emit(EscrowEvent{Kind: EventDisputeSettle, ProposalID: proposalID, Escrow: snapshot, Deltas: deltas})
	}
	return deltas
}

// ReleaseEscrow returns stakes with no rating change (proposal expiry).
func (l *Ledger) ReleaseEscrow(proposalID string) {
	l.mu.Lock()
	e, ok := l.escrows[proposalID]
	if !ok || e.Status != EscrowActive {
		l.mu.Unlock()
		return
	}
	e.Status = EscrowReleased
	snapshot := *e
	l.mu.Unlock()

	l.emit(EscrowEvent{Kind: EventEscrowReleased, ProposalID: proposalID, Escrow: snapshot})
}

// Adjust applies a direct rating delta (arbiter rewards and forfeits).
// Returns the delta actually applied after floor clamping.
func (l *Ledger) Adjust(agent string, delta int) int {
	l.mu.Lock()
	applied := l.applyDelta(agent, delta)
	l.mu.Unlock()
	l.save()
	return applied
}

// ============================================================================
// PERSISTENCE
// ============================================================================

// save writes ratings.json via temp-file rename. A failed write is retried
// once before giving up; the in-memory state stays authoritative either way.
func (l *Ledger) save() {
	if l.path == "" {
		return
	}
	l.mu.Lock()
	raw, err := json.MarshalIndent(l.records, "", "  ")
	l.mu.Unlock()
	if err != nil {
		l.logger.Error("failed to marshal ratings", "error", err)
		return
	}
	if err := l.writeFile(raw); err != nil {
		l.logger.Warn("ratings write failed, retrying", "error", err)
		if err := l.writeFile(raw); err != nil {
			l.logger.Error("ratings write failed twice", "error", err)
		}
	}
}

func (l *Ledger) writeFile(raw []byte) error {
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
