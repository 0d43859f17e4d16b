package callback

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cleaned, req, err := Parse("remind me @@cb:5m@@check the oven", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "remind me", cleaned)
	assert.Equal(t, 5*time.Minute, req.Delay)
	assert.Empty(t, req.Target)
	assert.Equal(t, "check the oven", req.Payload)
}

func TestParse_WithTarget(t *testing.T) {
	_, req, err := Parse("@@cb:30s[#general]@@status update", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, 30*time.Second, req.Delay)
	assert.Equal(t, "#general", req.Target)
	assert.Equal(t, "status update", req.Payload)
}

func TestParse_NoMarker(t *testing.T) {
	cleaned, req, err := Parse("plain message", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Equal(t, "plain message", cleaned)
}

func TestParse_ClampsDuration(t *testing.T) {
	_, req, err := Parse("@@cb:10h@@later", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, req.Delay)
}

func TestParse_OversizedPayload(t *testing.T) {
	_, _, err := Parse("@@cb:1s@@"+strings.Repeat("x", MaxPayload+1), time.Hour)
	assert.Error(t, err)
}

func TestQueue_FiresInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	q := NewQueue(0, func(owner, target, payload string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload)
	})
	defer q.Stop()

	require.NoError(t, q.Schedule("alice", Request{Delay: 120 * time.Millisecond, Payload: "second"}))
	require.NoError(t, q.Schedule("alice", Request{Delay: 40 * time.Millisecond, Payload: "first"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, 0, q.Pending("alice"))
}

func TestQueue_PerAgentCap(t *testing.T) {
	q := NewQueue(2, func(string, string, string) {})
	defer q.Stop()

	require.NoError(t, q.Schedule("alice", Request{Delay: time.Minute, Payload: "a"}))
	require.NoError(t, q.Schedule("alice", Request{Delay: time.Minute, Payload: "b"}))
	assert.Error(t, q.Schedule("alice", Request{Delay: time.Minute, Payload: "c"}))

	// Other agents are unaffected.
	assert.NoError(t, q.Schedule("bob", Request{Delay: time.Minute, Payload: "d"}))
}

func TestQueue_CancelOwner(t *testing.T) {
	fired := make(chan string, 4)
	q := NewQueue(0, func(owner, _, payload string) { fired <- payload })
	defer q.Stop()

	require.NoError(t, q.Schedule("alice", Request{Delay: 50 * time.Millisecond, Payload: "a"}))
	require.NoError(t, q.Schedule("bob", Request{Delay: 50 * time.Millisecond, Payload: "b"}))

	assert.Equal(t, 1, q.CancelOwner("alice"))
	assert.Equal(t, 0, q.Pending("alice"))

	select {
	case p := <-fired:
		assert.Equal(t, "b", p, "bob's callback still fires")
	case <-time.After(2 * time.Second):
		t.Fatal("surviving callback never fired")
	}
	select {
	case p := <-fired:
		t.Fatalf("cancelled callback fired: %q", p)
	case <-time.After(200 * time.Millisecond):
	}
}
