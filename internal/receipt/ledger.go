// Package receipt implements the append-only completion and dispute receipt
// ledger. One JSON object per line; writes go through a single-writer queue
// and readers parse line-wise so a torn final line never poisons a read.
package receipt

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Receipt kinds.
const (
	KindComplete = "COMPLETE"
	KindDispute  = "DISPUTE"
)

// Dispute receipt versions: v1.0 for legacy/fallback settlement, v2.0 for
// panel verdicts.
const (
	VersionLegacy     = "1.0"
	VersionAgentcourt = "2.0"
)

// Receipt is the immutable record appended at COMPLETE or final VERDICT.
type Receipt struct {
	Kind          string            `json:"kind"`
	Version       string            `json:"version,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	ProposalID    string            `json:"proposal_id"`
	DisputeID     string            `json:"dispute_id,omitempty"`
	From          string            `json:"from"`
	To            string            `json:"to"`
	Task          string            `json:"task"`
	Amount        float64           `json:"amount,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Proof         string            `json:"proof,omitempty"`
	Verdict       string            `json:"verdict,omitempty"`
	Arbiters      []string          `json:"arbiters,omitempty"`
	Signatures    map[string]string `json:"signatures,omitempty"`
	RatingChanges map[string]int    `json:"rating_changes,omitempty"`
	Hash          string            `json:"hash,omitempty"`
}

// ComputeHash returns the SHA-256 of the receipt serialized without its hash
// field. Re-hashing a read-back receipt must reproduce the stored value.
func (r Receipt) ComputeHash() (string, error) {
	r.Hash = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

type appendReq struct {
	line  []byte
	reply chan error
}

// Ledger appends receipts to receipts.jsonl under the base directory.
type Ledger struct {
	path  string
	queue chan appendReq
	done  chan struct{}
}

// NewLedger opens (creating if needed) the receipts file and starts the
// writer goroutine.
func NewLedger(dir string) (*Ledger, error) {
	l := &Ledger{
		path:  filepath.Join(dir, "receipts.jsonl"),
		queue: make(chan appendReq, 64),
		done:  make(chan struct{}),
	}
	// Fail fast if the directory is not writable.
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipts file: %w", err)
	}
	go l.writer(f)
	return l, nil
}

func (l *Ledger) writer(f *os.File) {
	defer f.Close()
	for {
		select {
		case req := <-l.queue:
			_, err := f.Write(append(req.line, '\n'))
			if err == nil {
				err = f.Sync()
			}
			req.reply <- err
		case <-l.done:
			// Drain what is already queued before stopping.
			for {
				select {
				case req := <-l.queue:
					_, err := f.Write(append(req.line, '\n'))
					req.reply <- err
				default:
					return
				}
			}
		}
	}
}

// Append stamps, hashes and writes one receipt. The originating request
// fails with the preserved write error when the append fails.
func (l *Ledger) Append(r Receipt) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	hash, err := r.ComputeHash()
	if err != nil {
		return fmt.Errorf("failed to hash receipt: %w", err)
	}
	r.Hash = hash
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	req := appendReq{line: line, reply: make(chan error, 1)}
	select {
	case l.queue <- req:
	case <-l.done:
		return fmt.Errorf("receipt ledger closed")
	}
	if err := <-req.reply; err != nil {
		return fmt.Errorf("failed to append receipt: %w", err)
	}
	return nil
}

// Close stops the writer. Appends after Close fail.
func (l *Ledger) Close() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

// ============================================================================
// READ SIDE
// ============================================================================

// All reads a snapshot of every parseable receipt. Malformed lines (torn
// tail writes) are skipped, not fatal.
func (l *Ledger) All() ([]Receipt, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open receipts file: %w", err)
	}
	defer f.Close()

	var out []Receipt
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var r Receipt
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, scanner.Err()
}

// ByAgent filters receipts where the agent appears as a party.
func (l *Ledger) ByAgent(agent string) ([]Receipt, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	var out []Receipt
	for _, r := range all {
		if r.From == agent || r.To == agent {
			out = append(out, r)
		}
	}
	return out, nil
}

// Stats aggregates the ledger for observability.
type Stats struct {
	Completions int            `json:"completions"`
	Disputes    int            `json:"disputes"`
	NetDeltas   map[string]int `json:"net_deltas"`
}

// Aggregate computes summary statistics over the current snapshot.
func (l *Ledger) Aggregate() (Stats, error) {
	all, err := l.All()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{NetDeltas: make(map[string]int)}
	for _, r := range all {
		switch r.Kind {
		case KindComplete:
			st.Completions++
		case KindDispute:
			st.Disputes++
		}
		for agent, d := range r.RatingChanges {
			st.NetDeltas[agent] += d
		}
	}
	return st, nil
}
