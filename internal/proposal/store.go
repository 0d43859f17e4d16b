// Package proposal implements the proposal lifecycle store. Every mutation
// is serialized per-proposal; the first acquirer of the proposal lock wins
// and later actors observe the updated status.
package proposal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/relay/internal/schedule"
)

// Status values. Transitions are monotonic along
// pending → accepted → {completed, disputed}, pending → rejected,
// pending → expired.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusExpired   Status = "expired"
)

// Proposal is one task offer between two agents.
type Proposal struct {
	mu sync.Mutex

	ID          string
	Nonce       string // server-assigned, distinguishes replayed ids
	From        string
	To          string
	Task        string
	Amount      float64
	Currency    string
	PaymentCode string
	ExpiresIn   int64 // seconds from creation

	ProposerStake int
	AcceptorStake int

	Status    Status
	Proof     string
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot returns a consistent copy for fan-out without holding the lock
// across delivery.
func (p *Proposal) Snapshot() Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Proposal{
		ID: p.ID, Nonce: p.Nonce, From: p.From, To: p.To, Task: p.Task,
		Amount: p.Amount, Currency: p.Currency, PaymentCode: p.PaymentCode,
		ExpiresIn: p.ExpiresIn, ProposerStake: p.ProposerStake,
		AcceptorStake: p.AcceptorStake, Status: p.Status, Proof: p.Proof,
		Reason: p.Reason, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

// Store holds live proposals and their expiry timers.
type Store struct {
	mu       sync.RWMutex
	seq      atomic.Int64
	byID     map[string]*Proposal
	sched    *schedule.Scheduler
	onExpire func(Proposal)
}

// NewStore creates a store. onExpire fires after a pending proposal times
// out, with the proposal already marked expired; nil is allowed.
func NewStore(sched *schedule.Scheduler, onExpire func(Proposal)) *Store {
	return &Store{
		byID:     make(map[string]*Proposal),
		sched:    sched,
		onExpire: onExpire,
	}
}

// Create registers a new pending proposal and arms its expiry timer.
func (s *Store) Create(from, to, task string, amount float64, currency, paymentCode string, expiresIn int64, proposerStake int) (*Proposal, error) {
	if task == "" {
		return nil, fmt.Errorf("task must not be empty")
	}
	if expiresIn <= 0 {
		return nil, fmt.Errorf("expires must be positive")
	}
	p := &Proposal{
		ID:            fmt.Sprintf("prop_%d", s.seq.Add(1)),
		Nonce:         uuid.NewString(),
		From:          from,
		To:            to,
		Task:          task,
		Amount:        amount,
		Currency:      currency,
		PaymentCode:   paymentCode,
		ExpiresIn:     expiresIn,
		ProposerStake: proposerStake,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	s.mu.Lock()
	s.byID[p.ID] = p
	s.mu.Unlock()

	s.sched.Schedule(expiryKey(p.ID), time.Duration(expiresIn)*time.Second, func() {
		s.expire(p.ID)
	})
	return p, nil
}

func expiryKey(id string) string { return "proposal-expiry:" + id }

// Get returns the live proposal.
func (s *Store) Get(id string) (*Proposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}

// CountActive returns the number of pending or accepted proposals.
func (s *Store) CountActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.byID {
		p.mu.Lock()
		if p.Status == StatusPending || p.Status == StatusAccepted {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

func (s *Store) transition(id string, from, to Status, apply func(*Proposal)) (Proposal, error) {
	p, ok := s.Get(id)
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s not found", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status != from {
		return Proposal{}, fmt.Errorf("proposal %s is %s, not %s", id, p.Status, from)
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	if apply != nil {
		apply(p)
	}
	return *snapshotLocked(p), nil
}

func snapshotLocked(p *Proposal) *Proposal {
	return &Proposal{
		ID: p.ID, Nonce: p.Nonce, From: p.From, To: p.To, Task: p.Task,
		Amount: p.Amount, Currency: p.Currency, PaymentCode: p.PaymentCode,
		ExpiresIn: p.ExpiresIn, ProposerStake: p.ProposerStake,
		AcceptorStake: p.AcceptorStake, Status: p.Status, Proof: p.Proof,
		Reason: p.Reason, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
}

// Accept moves pending → accepted. Only the proposal's recipient may accept.
func (s *Store) Accept(id, acceptor, paymentCode string, acceptorStake int) (Proposal, error) {
	p, ok := s.Get(id)
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s not found", id)
	}
	if p.To != acceptor {
		return Proposal{}, fmt.Errorf("only %s can accept this proposal", p.To)
	}
	snap, err := s.transition(id, StatusPending, StatusAccepted, func(p *Proposal) {
		if paymentCode != "" {
			p.PaymentCode = paymentCode
		}
		p.AcceptorStake = acceptorStake
	})
	if err != nil {
		return Proposal{}, err
	}
	s.sched.Cancel(expiryKey(id))
	return snap, nil
}

// Reject moves pending → rejected. Only the recipient may reject.
func (s *Store) Reject(id, rejector, reason string) (Proposal, error) {
	p, ok := s.Get(id)
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s not found", id)
	}
	if p.To != rejector {
		return Proposal{}, fmt.Errorf("only %s can reject this proposal", p.To)
	}
	snap, err := s.transition(id, StatusPending, StatusRejected, func(p *Proposal) {
		p.Reason = reason
	})
	if err != nil {
		return Proposal{}, err
	}
	s.sched.Cancel(expiryKey(id))
	return snap, nil
}

// Complete moves accepted → completed. Only the acceptor may complete.
func (s *Store) Complete(id, completer, proof string) (Proposal, error) {
	p, ok := s.Get(id)
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s not found", id)
	}
	if p.To != completer {
		return Proposal{}, fmt.Errorf("only %s can complete this proposal", p.To)
	}
	return s.transition(id, StatusAccepted, StatusCompleted, func(p *Proposal) {
		p.Proof = proof
	})
}

// Dispute moves accepted → disputed. Either party may dispute.
func (s *Store) Dispute(id, disputant, reason string) (Proposal, error) {
	p, ok := s.Get(id)
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s not found", id)
	}
	if disputant != p.From && disputant != p.To {
		return Proposal{}, fmt.Errorf("only a party to the proposal can dispute it")
	}
	return s.transition(id, StatusAccepted, StatusDisputed, func(p *Proposal) {
		p.Reason = reason
	})
}

func (s *Store) expire(id string) {
	snap, err := s.transition(id, StatusPending, StatusExpired, nil)
	if err != nil {
		return // already progressed past pending
	}
	if s.onExpire != nil {
		s.onExpire(snap)
	}
}
