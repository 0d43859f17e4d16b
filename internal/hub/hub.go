// Package hub is the relay core: it owns sessions, runs the auth state
// machine, routes verified frames to component handlers and fans deliveries
// out to recipients.
package hub

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentchat/relay/internal/access"
	"github.com/agentchat/relay/internal/callback"
	"github.com/agentchat/relay/internal/captcha"
	"github.com/agentchat/relay/internal/channel"
	"github.com/agentchat/relay/internal/config"
	"github.com/agentchat/relay/internal/dispute"
	"github.com/agentchat/relay/internal/floor"
	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/proposal"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/receipt"
	"github.com/agentchat/relay/internal/redact"
	"github.com/agentchat/relay/internal/reputation"
	"github.com/agentchat/relay/internal/schedule"
	"github.com/agentchat/relay/internal/settle"
	"github.com/agentchat/relay/internal/skills"
)

// Idle-state eviction. A disconnected agent's token bucket is kept long
// enough to outlive reconnect churn, then dropped once it has fully
// refilled anyway. Verify relays nobody answered expire on the same sweep.
const (
	limiterIdleAfter = 10 * time.Minute
	verifyRequestTTL = 2 * time.Minute
	sweepInterval    = time.Minute
)

// limiterEntry is a per-agent token bucket plus the last time it was used.
type limiterEntry struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// pendingVerify is an unanswered peer-verification relay.
type pendingVerify struct {
	requester string
	created   time.Time
}

// Hub is the shared server state. One Hub serves all connections.
type Hub struct {
	cfg    *config.Config
	logger *slog.Logger

	access    *access.Store
	channels  *channel.Registry
	proposals *proposal.Store
	disputes  *dispute.Store
	ratings   *reputation.Ledger
	receipts  *receipt.Ledger
	settler   *settle.Coordinator
	captcha   *captcha.Engine
	floor     *floor.Control
	callbacks *callback.Queue
	skills    *skills.Index
	redactor  *redact.Redactor
	sched     *schedule.Scheduler

	mu       sync.RWMutex
	sessions map[string]*Session // by agent-id, verified sessions only
	limiters map[string]*limiterEntry
	pending  map[string]pendingVerify // by request-id

	stopSweep chan struct{}
	startedAt time.Time
}

// New wires a hub from configuration, loading persisted state from the
// data directory.
func New(cfg *config.Config) (*Hub, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	ratings, err := reputation.NewLedger(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open rating ledger: %w", err)
	}
	receipts, err := receipt.NewLedger(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt ledger: %w", err)
	}
	acc, err := access.NewStore(cfg.DataDir, cfg.Auth.AllowlistMode, cfg.Auth.AdminKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load access lists: %w", err)
	}

	h := &Hub{
		cfg:       cfg,
		logger:    slog.With("component", "hub"),
		access:    acc,
		channels:  channel.NewRegistry(),
		ratings:   ratings,
		receipts:  receipts,
		settler:   settle.NewCoordinator(ratings, receipts, cfg.Dispute),
		captcha:   captcha.NewEngine(cfg.Captcha.Questions, cfg.Captcha.TTL, cfg.Captcha.Policy),
		floor:     floor.NewControl(),
		skills:    skills.NewIndex(),
		redactor:  redact.New(),
		sched:     schedule.New(),
		sessions:  make(map[string]*Session),
		limiters:  make(map[string]*limiterEntry),
		pending:   make(map[string]pendingVerify),
		stopSweep: make(chan struct{}),
		startedAt: time.Now(),
	}
	h.proposals = proposal.NewStore(h.sched, h.onProposalExpired)
	h.disputes = dispute.NewStore(cfg.Dispute, h.sched, h.eligiblePool, h)
	h.callbacks = callback.NewQueue(cfg.Limits.CallbacksPerAgent, h.deliverCallback)
	go h.sweepLoop()
	return h, nil
}

// Serve attaches a new connection and runs its pumps. Blocks until the
// connection drops.
func (h *Hub) Serve(s *Session) {
	metrics.ConnectionsActive.Inc()
	go s.writePump()
	s.readPump()
}

// ============================================================================
// SESSION REGISTRY
// ============================================================================

// register installs a verified session under its agent id, displacing any
// previous session holding the same id.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	old := h.sessions[s.agentID]
	h.sessions[s.agentID] = s
	h.mu.Unlock()

	if old != nil && old != s {
		old.sendFrame(&protocol.Frame{
			Type:    protocol.TypeSessionDisplaced,
			Reason:  "another session verified this identity",
			NewIP:   s.remoteAddr,
			AgentID: s.agentID,
		})
		old.close()
		h.logger.Info("session displaced", "agent_id", s.agentID, "new_ip", s.remoteAddr)
	}
}

// unregister runs on read-pump exit: it removes the session and cleans up
// every per-agent resource.
func (h *Hub) unregister(s *Session) {
	metrics.ConnectionsActive.Dec()
	id := s.AgentID()
	if id == "" {
		return
	}

	h.mu.Lock()
	current := h.sessions[id] == s
	if current {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !current {
		return // displaced; the replacement owns the id now
	}

	for _, name := range h.channels.DropAgent(id) {
		if ch, ok := h.channels.Get(name); ok {
			h.broadcast(ch, &protocol.Frame{Type: protocol.TypeAgentLeft, Channel: name, AgentID: id}, id)
		}
	}
	h.floor.ReleaseAgent(id)
	h.callbacks.CancelOwner(id)
	h.skills.Drop(id)
	h.logger.Info("agent disconnected", "agent_id", id)
}

func (h *Hub) session(agentID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[agentID]
	return s, ok
}

// limiter returns the per-agent token bucket, creating it on first use.
// Limiters are keyed by agent id so reconnecting does not reset the budget.
func (h *Hub) limiter(agentID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.limiters[agentID]
	if !ok {
		e = &limiterEntry{bucket: rate.NewLimiter(rate.Limit(h.cfg.Limits.MessagesPerSecond), h.cfg.Limits.Burst)}
		h.limiters[agentID] = e
	}
	e.lastSeen = time.Now()
	return e.bucket
}

// sweepLoop periodically evicts idle limiters and expired verify relays.
func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.evictStale(time.Now())
		case <-h.stopSweep:
			return
		}
	}
}

func (h *Hub) evictStale(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, e := range h.limiters {
		if _, connected := h.sessions[id]; connected {
			continue
		}
		if now.Sub(e.lastSeen) > limiterIdleAfter {
			delete(h.limiters, id)
		}
	}
	for id, p := range h.pending {
		if now.Sub(p.created) > verifyRequestTTL {
			delete(h.pending, id)
		}
	}
}

func (h *Hub) connectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ============================================================================
// DELIVERY
// ============================================================================

// deliverTo sends a frame to one connected agent.
func (h *Hub) deliverTo(agentID string, f *protocol.Frame) bool {
	s, ok := h.session(agentID)
	if !ok {
		return false
	}
	s.sendFrame(f)
	return true
}

// broadcast fans a frame out to every channel member except one. Delivery
// is best effort: a dead member never blocks the rest.
func (h *Hub) broadcast(ch *channel.Channel, f *protocol.Frame, exceptID string) {
	for _, member := range ch.Members() {
		if member == exceptID {
			continue
		}
		h.deliverTo(member, f)
	}
}

// notify delivers the same frame to a set of agents.
func (h *Hub) notify(agents []string, f *protocol.Frame) {
	for _, a := range agents {
		h.deliverTo(a, f)
	}
}

func (h *Hub) agentInfo(agentID string) protocol.AgentInfo {
	info := protocol.AgentInfo{AgentID: agentID, Skills: h.skills.Skills(agentID)}
	if s, ok := h.session(agentID); ok {
		s.mu.Lock()
		info.Name = s.name
		info.Status = s.status
		info.StatusText = s.statusText
		info.Verified = s.pubkey != nil
		s.mu.Unlock()
	}
	return info
}

// ============================================================================
// COMPONENT CALLBACKS
// ============================================================================

// onProposalExpired releases escrow and tells both parties.
func (h *Hub) onProposalExpired(p proposal.Proposal) {
	h.settler.ReleaseExpired(p)
	metrics.Proposals.WithLabelValues(string(proposal.StatusExpired)).Inc()
	f := &protocol.Frame{Type: protocol.TypeProposal, ProposalID: p.ID, Status: string(proposal.StatusExpired)}
	h.notify([]string{p.From, p.To}, f)
	h.logger.Info("proposal expired", "proposal_id", p.ID)
}

// deliverCallback replays a fired callback as if the owner had just sent
// the payload. Callbacks whose owner disconnected are dropped.
func (h *Hub) deliverCallback(owner, target, payload string) {
	s, ok := h.session(owner)
	if !ok {
		h.logger.Debug("dropping callback for disconnected owner", "owner", owner)
		return
	}
	metrics.CallbacksFired.Inc()
	if target == "" {
		// DM back to the owner.
		s.sendFrame(&protocol.Frame{
			Type: protocol.TypeMsg, From: owner, To: owner,
			Content: payload, TS: protocol.NowMillis(),
		})
		return
	}
	h.routeMessage(s, &protocol.Frame{Type: protocol.TypeMsg, To: target, Content: payload})
}

// eligiblePool returns arbiter candidates for a dispute: connected keyed
// agents meeting the reputation thresholds, independent of both parties.
func (h *Hub) eligiblePool(disputant, respondent string) []string {
	cfg := h.cfg.Dispute
	cutoff := time.Now().Add(-cfg.IndependenceWindow)

	h.mu.RLock()
	candidates := make([]string, 0, len(h.sessions))
	for id, s := range h.sessions {
		if s.Keyed() {
			candidates = append(candidates, id)
		}
	}
	h.mu.RUnlock()

	var pool []string
	for _, id := range candidates {
		if id == disputant || id == respondent {
			continue
		}
		rec := h.ratings.Get(id)
		if rec.Rating < cfg.MinRating || rec.Transactions < cfg.MinTransactions {
			continue
		}
		if time.Since(rec.CreatedAt) < cfg.MinAccountAge {
			continue
		}
		if !h.ratings.CanStake(id, cfg.ArbiterStake) {
			continue
		}
		if last := h.ratings.LastTransactionBetween(id, disputant); !last.IsZero() && last.After(cutoff) {
			continue
		}
		if last := h.ratings.LastTransactionBetween(id, respondent); !last.IsZero() && last.After(cutoff) {
			continue
		}
		pool = append(pool, id)
	}
	return pool
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Uptime reports how long the hub has been serving.
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.startedAt)
}

// Shutdown closes every session and stops background work.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.close()
	}
	close(h.stopSweep)
	h.sched.Stop()
	h.callbacks.Stop()
	h.receipts.Close()
	h.logger.Info("hub stopped")
}
