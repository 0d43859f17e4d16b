package dispute

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/protocol"
	"github.com/agentchat/relay/internal/schedule"
)

type eventRecorder struct {
	mu        sync.Mutex
	panels    []Snapshot
	assigned  []string
	forfeited []string
	caseReady []Snapshot
	fallbacks []Snapshot
	resolved  []Snapshot
}

func (r *eventRecorder) PanelFormed(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panels = append(r.panels, s)
}
func (r *eventRecorder) ArbiterAssigned(_ Snapshot, arbiter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigned = append(r.assigned, arbiter)
}
func (r *eventRecorder) SlotForfeited(_ Snapshot, arbiter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forfeited = append(r.forfeited, arbiter)
}
func (r *eventRecorder) EvidenceOpen(Snapshot) {}
func (r *eventRecorder) CaseReady(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caseReady = append(r.caseReady, s)
}
func (r *eventRecorder) Fallback(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append(r.fallbacks, s)
}
func (r *eventRecorder) Resolved(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, s)
}

func (r *eventRecorder) lastResolved(t *testing.T) Snapshot {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.resolved)
	return r.resolved[len(r.resolved)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RevealWindow = 200 * time.Millisecond
	cfg.ArbiterWindow = 200 * time.Millisecond
	cfg.EvidenceWindow = 200 * time.Millisecond
	cfg.VoteWindow = 200 * time.Millisecond
	cfg.OverallCap = 5 * time.Second
	return cfg
}

func newTestStore(t *testing.T, pool []string) (*Store, *eventRecorder) {
	t.Helper()
	sched := schedule.New()
	t.Cleanup(sched.Stop)
	rec := &eventRecorder{}
	s := NewStore(testConfig(), sched, func(_, _ string) []string { return pool }, rec)
	return s, rec
}

func fileAndReveal(t *testing.T, s *Store) Snapshot {
	t.Helper()
	nonce := "secret-nonce"
	snap, err := s.FileIntent("prop_1", "alice", "bob", "no delivery", identity.HashHex(nonce))
	require.NoError(t, err)
	assert.Equal(t, PhaseRevealPending, snap.Phase)
	assert.NotEmpty(t, snap.ServerNonce)

	snap, err = s.Reveal(snap.ID, nonce)
	require.NoError(t, err)
	return snap
}

func TestFileIntent_RejectsDuplicates(t *testing.T) {
	s, _ := newTestStore(t, nil)
	_, err := s.FileIntent("prop_1", "alice", "bob", "r", identity.HashHex("n"))
	require.NoError(t, err)
	_, err = s.FileIntent("prop_1", "bob", "alice", "r", identity.HashHex("m"))
	assert.Error(t, err)
}

func TestReveal_BadNonceRejected(t *testing.T) {
	s, _ := newTestStore(t, []string{"c1", "c2", "c3"})
	snap, err := s.FileIntent("prop_1", "alice", "bob", "r", identity.HashHex("real"))
	require.NoError(t, err)

	_, err = s.Reveal(snap.ID, "wrong")
	assert.Error(t, err)

	// A failed reveal does not consume the window.
	got, err := s.Reveal(snap.ID, "real")
	require.NoError(t, err)
	assert.Equal(t, PhaseArbiterResponse, got.Phase)
}

func TestReveal_SmallPoolFallsBack(t *testing.T) {
	s, rec := newTestStore(t, []string{"only", "two"})
	snap := fileAndReveal(t, s)
	assert.Equal(t, PhaseFallback, snap.Phase)
	require.Len(t, rec.fallbacks, 1)
	assert.Equal(t, CausePoolTooSmall, rec.fallbacks[0].FallbackCause)
	assert.Contains(t, rec.fallbacks[0].FallbackReason, "pool too small")
}

func TestFullFlow_MajorityVerdict(t *testing.T) {
	s, rec := newTestStore(t, []string{"c1", "c2", "c3", "c4", "c5"})
	snap := fileAndReveal(t, s)
	require.Equal(t, PhaseArbiterResponse, snap.Phase)
	require.Len(t, snap.Arbiters, 3)
	assert.Len(t, rec.assigned, 3)

	for _, a := range snap.Arbiters {
		snap, _ = s.ArbiterAccept(snap.ID, a)
	}
	require.Equal(t, PhaseEvidence, snap.Phase)

	snap, err := s.SubmitEvidence(snap.ID, "alice", []protocol.EvidenceItem{{Kind: "text", Content: "chat log"}}, "hash-a")
	require.NoError(t, err)
	snap, err = s.SubmitEvidence(snap.ID, "bob", []protocol.EvidenceItem{{Kind: "url", Content: "https://example.com/proof"}}, "hash-b")
	require.NoError(t, err)
	require.Equal(t, PhaseDeliberation, snap.Phase, "both bundles close the evidence window early")
	require.Len(t, rec.caseReady, 1)
	assert.Len(t, rec.caseReady[0].Evidence, 2)

	arbiters := snap.Arbiters
	_, err = s.Vote(snap.ID, arbiters[0], VerdictDisputant, "clear breach")
	require.NoError(t, err)
	_, err = s.Vote(snap.ID, arbiters[1], VerdictRespondent, "insufficient proof")
	require.NoError(t, err)
	snap, err = s.Vote(snap.ID, arbiters[2], VerdictDisputant, "agree with breach")
	require.NoError(t, err)

	assert.Equal(t, PhaseResolved, snap.Phase)
	assert.Equal(t, VerdictDisputant, snap.Verdict)
	resolved := rec.lastResolved(t)
	assert.Equal(t, VerdictDisputant, resolved.Verdict)
	assert.Len(t, resolved.Voted, 3)
}

func TestThreeWaySplit_ResolvesMutual(t *testing.T) {
	s, _ := newTestStore(t, []string{"c1", "c2", "c3"})
	snap := fileAndReveal(t, s)
	for _, a := range snap.Arbiters {
		snap, _ = s.ArbiterAccept(snap.ID, a)
	}
	snap, _ = s.SubmitEvidence(snap.ID, "alice", []protocol.EvidenceItem{{Kind: "text", Content: "a"}}, "h1")
	snap, _ = s.SubmitEvidence(snap.ID, "bob", []protocol.EvidenceItem{{Kind: "text", Content: "b"}}, "h2")

	verdicts := []string{VerdictDisputant, VerdictRespondent, VerdictMutual}
	for i, a := range snap.Arbiters {
		snap, _ = s.Vote(snap.ID, a, verdicts[i], "")
	}
	assert.Equal(t, VerdictMutual, snap.Verdict)
}

func TestDecline_DrawsReplacement(t *testing.T) {
	s, rec := newTestStore(t, []string{"c1", "c2", "c3", "c4"})
	snap := fileAndReveal(t, s)
	panel := snap.Arbiters

	snap, err := s.ArbiterDecline(snap.ID, panel[0])
	require.NoError(t, err)
	assert.Len(t, snap.Arbiters, 4, "declined slot plus replacement")
	assert.Contains(t, snap.Forfeited, panel[0])
	assert.Len(t, rec.assigned, 4)
	assert.Equal(t, PhaseArbiterResponse, snap.Phase)
}

func TestDecline_ExhaustedPoolFallsBack(t *testing.T) {
	s, rec := newTestStore(t, []string{"c1", "c2", "c3"})
	snap := fileAndReveal(t, s)

	// No replacement candidates left.
	snap, err := s.ArbiterDecline(snap.ID, snap.Arbiters[0])
	require.NoError(t, err)
	assert.Equal(t, PhaseFallback, snap.Phase)
	require.Len(t, rec.fallbacks, 1)
	assert.Equal(t, CauseReplacementsExhausted, rec.fallbacks[0].FallbackCause)
}

func TestEvidence_Rules(t *testing.T) {
	s, _ := newTestStore(t, []string{"c1", "c2", "c3"})
	snap := fileAndReveal(t, s)
	for _, a := range snap.Arbiters {
		snap, _ = s.ArbiterAccept(snap.ID, a)
	}

	_, err := s.SubmitEvidence(snap.ID, "mallory", []protocol.EvidenceItem{{Kind: "text", Content: "x"}}, "h")
	assert.Error(t, err, "non-party evidence rejected")

	_, err = s.SubmitEvidence(snap.ID, "alice", nil, "h")
	assert.Error(t, err, "empty bundle rejected")

	big := make([]protocol.EvidenceItem, 11)
	for i := range big {
		big[i] = protocol.EvidenceItem{Kind: "text", Content: "x"}
	}
	_, err = s.SubmitEvidence(snap.ID, "alice", big, "h")
	assert.Error(t, err, "oversized bundle rejected")

	_, err = s.SubmitEvidence(snap.ID, "alice", []protocol.EvidenceItem{{Kind: "text", Content: "x"}}, "h")
	require.NoError(t, err)
	_, err = s.SubmitEvidence(snap.ID, "alice", []protocol.EvidenceItem{{Kind: "text", Content: "y"}}, "h2")
	assert.Error(t, err, "duplicate submission rejected")
}

func TestVoteTimeout_ForfeitsMissingArbiters(t *testing.T) {
	s, rec := newTestStore(t, []string{"c1", "c2", "c3"})
	snap := fileAndReveal(t, s)
	for _, a := range snap.Arbiters {
		snap, _ = s.ArbiterAccept(snap.ID, a)
	}
	snap, _ = s.SubmitEvidence(snap.ID, "alice", []protocol.EvidenceItem{{Kind: "text", Content: "a"}}, "h1")
	snap, _ = s.SubmitEvidence(snap.ID, "bob", []protocol.EvidenceItem{{Kind: "text", Content: "b"}}, "h2")

	// Two of three vote the same way before the window closes.
	_, err := s.Vote(snap.ID, snap.Arbiters[0], VerdictRespondent, "")
	require.NoError(t, err)
	_, err = s.Vote(snap.ID, snap.Arbiters[1], VerdictRespondent, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := s.Get(snap.ID)
		return ok && got.Phase == PhaseResolved
	}, 2*time.Second, 20*time.Millisecond)

	resolved := rec.lastResolved(t)
	assert.Equal(t, VerdictRespondent, resolved.Verdict)
	assert.Contains(t, resolved.Forfeited, snap.Arbiters[2])
}

func TestRevealTimeout_FallsBack(t *testing.T) {
	s, rec := newTestStore(t, []string{"c1", "c2", "c3"})
	_, err := s.FileIntent("prop_1", "alice", "bob", "r", identity.HashHex("n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.fallbacks) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, CauseRevealTimeout, rec.fallbacks[0].FallbackCause)
	assert.Contains(t, rec.fallbacks[0].FallbackReason, "reveal window")
}

// closingSink settles terminal cases by evicting them from the store, the
// way the hub does. Exercises event delivery calling back into the Store.
type closingSink struct {
	eventRecorder
	store *Store
}

func (c *closingSink) Resolved(s Snapshot) {
	c.store.Close(s.ID)
	c.eventRecorder.Resolved(s)
}

func (c *closingSink) Fallback(s Snapshot) {
	c.store.Close(s.ID)
	c.eventRecorder.Fallback(s)
}

func TestEventHandlerMayCloseDispute(t *testing.T) {
	sched := schedule.New()
	t.Cleanup(sched.Stop)
	sink := &closingSink{}
	s := NewStore(testConfig(), sched, func(_, _ string) []string { return []string{"c1", "c2", "c3"} }, sink)
	sink.store = s

	snap := fileAndReveal(t, s)
	for _, a := range snap.Arbiters {
		snap, _ = s.ArbiterAccept(snap.ID, a)
	}
	snap, _ = s.SubmitEvidence(snap.ID, "alice", []protocol.EvidenceItem{{Kind: "text", Content: "a"}}, "h1")
	snap, _ = s.SubmitEvidence(snap.ID, "bob", []protocol.EvidenceItem{{Kind: "text", Content: "b"}}, "h2")
	for _, a := range snap.Arbiters {
		_, err := s.Vote(snap.ID, a, VerdictDisputant, "")
		require.NoError(t, err)
	}

	// The Resolved handler evicted the case from inside the final Vote call.
	resolved := sink.lastResolved(t)
	assert.Equal(t, VerdictDisputant, resolved.Verdict)
	_, ok := s.Get(snap.ID)
	assert.False(t, ok)
	_, ok = s.ByProposal("prop_1")
	assert.False(t, ok)
}

func TestVote_Rules(t *testing.T) {
	s, _ := newTestStore(t, []string{"c1", "c2", "c3"})
	snap := fileAndReveal(t, s)
	for _, a := range snap.Arbiters {
		snap, _ = s.ArbiterAccept(snap.ID, a)
	}
	snap, _ = s.SubmitEvidence(snap.ID, "alice", []protocol.EvidenceItem{{Kind: "text", Content: "a"}}, "h1")
	snap, _ = s.SubmitEvidence(snap.ID, "bob", []protocol.EvidenceItem{{Kind: "text", Content: "b"}}, "h2")

	_, err := s.Vote(snap.ID, "outsider", VerdictMutual, "")
	assert.Error(t, err)

	_, err = s.Vote(snap.ID, snap.Arbiters[0], "guilty", "")
	assert.Error(t, err, "unknown verdict rejected")

	_, err = s.Vote(snap.ID, snap.Arbiters[0], VerdictMutual, "")
	require.NoError(t, err)
	_, err = s.Vote(snap.ID, snap.Arbiters[0], VerdictMutual, "")
	assert.Error(t, err, "double vote rejected")
}
