// Package captcha gates freshly-connected sessions behind a small
// question bank. Matching is forgiving: case-insensitive, whitespace
// trimmed, and numeric answers accept both digit and word forms.
package captcha

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Failure policies.
const (
	PolicyDisconnect = "disconnect"
	PolicyLurk       = "lurk" // session may receive but its broadcasts are dropped
)

// Question is one bank entry. Alternates list extra accepted answers.
type Question struct {
	Prompt     string   `yaml:"prompt"`
	Answer     string   `yaml:"answer"`
	Alternates []string `yaml:"alternates"`
}

// DefaultBank is used when the config supplies no questions.
var DefaultBank = []Question{
	{Prompt: "What is 2 + 2?", Answer: "4", Alternates: []string{"four"}},
	{Prompt: "How many days are in a week?", Answer: "7", Alternates: []string{"seven"}},
	{Prompt: "What color is the sky on a clear day?", Answer: "blue"},
	{Prompt: "Type the word 'agent' backwards.", Answer: "tnega"},
	{Prompt: "What is 10 minus 3?", Answer: "7", Alternates: []string{"seven"}},
	{Prompt: "What is the first word of this question?", Answer: "what"},
}

// Challenge is one outstanding captcha.
type Challenge struct {
	ID        string
	Question  Question
	ExpiresAt time.Time
}

// Engine issues and checks challenges.
type Engine struct {
	mu      sync.Mutex
	bank    []Question
	pending map[string]Challenge
	ttl     time.Duration
	policy  string
}

// NewEngine builds an engine. An empty bank falls back to DefaultBank; an
// unknown policy falls back to disconnect.
func NewEngine(bank []Question, ttl time.Duration, policy string) *Engine {
	if len(bank) == 0 {
		bank = DefaultBank
	}
	if policy != PolicyLurk {
		policy = PolicyDisconnect
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Engine{
		bank:    bank,
		pending: make(map[string]Challenge),
		ttl:     ttl,
		policy:  policy,
	}
}

// Policy reports the configured failure policy.
func (e *Engine) Policy() string { return e.policy }

// TTL reports the challenge lifetime.
func (e *Engine) TTL() time.Duration { return e.ttl }

// Issue draws a random question and registers the challenge.
func (e *Engine) Issue() Challenge {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := Challenge{
		ID:        "captcha_" + uuid.NewString()[:8],
		Question:  e.bank[rand.Intn(len(e.bank))],
		ExpiresAt: time.Now().Add(e.ttl),
	}
	e.pending[c.ID] = c
	return c
}

// Check results.
const (
	ResultPass    = "pass"
	ResultFail    = "fail"
	ResultExpired = "expired"
	ResultUnknown = "unknown"
)

// Check consumes the challenge and grades the answer. A challenge can be
// answered at most once.
func (e *Engine) Check(id, answer string) string {
	e.mu.Lock()
	c, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if !ok {
		return ResultUnknown
	}
	if time.Now().After(c.ExpiresAt) {
		return ResultExpired
	}
	if Matches(answer, c.Question) {
		return ResultPass
	}
	return ResultFail
}

// Forget drops an outstanding challenge, used when its timer closes the
// connection first.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, id)
}

// Matches grades an answer against a question's accepted forms.
func Matches(answer string, q Question) bool {
	got := normalize(answer)
	if got == "" {
		return false
	}
	if equivalent(got, normalize(q.Answer)) {
		return true
	}
	for _, alt := range q.Alternates {
		if equivalent(got, normalize(alt)) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!?")
}

// numberWords covers the range the bank actually uses.
var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4,
	"five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9,
	"ten": 10, "eleven": 11, "twelve": 12,
}

func equivalent(a, b string) bool {
	if a == b {
		return true
	}
	na, aok := asNumber(a)
	nb, bok := asNumber(b)
	return aok && bok && na == nb
}

func asNumber(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	n, ok := numberWords[s]
	return n, ok
}
