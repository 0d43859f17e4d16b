// Package protocol defines the AgentChat wire protocol: JSON text frames
// exchanged over a duplex WebSocket connection. Every frame is a single JSON
// object with a mandatory "type" field; all other fields are optional and
// type-dependent.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame size and content limits.
const (
	MaxFrameSize   = 2 << 20 // 2 MiB inbound frame cap; exceeding closes the connection
	MaxMsgContent  = 4096    // MSG content cap in characters
	ReplayRingSize = 20      // default per-channel replay buffer
)

// ============================================================================
// FRAME TYPES
// ============================================================================

// Client → server frame types.
const (
	TypeIdentify        = "IDENTIFY"
	TypeVerifyIdentity  = "VERIFY_IDENTITY"
	TypeCaptchaResponse = "CAPTCHA_RESPONSE"
	TypeJoin            = "JOIN"
	TypeLeave           = "LEAVE"
	TypeCreateChannel   = "CREATE_CHANNEL"
	TypeInvite          = "INVITE"
	TypeMsg             = "MSG"
	TypeFileChunk       = "FILE_CHUNK"
	TypeListChannels    = "LIST_CHANNELS"
	TypeListAgents      = "LIST_AGENTS"
	TypeSetPresence     = "SET_PRESENCE"
	TypeProposal        = "PROPOSAL"
	TypeAccept          = "ACCEPT"
	TypeReject          = "REJECT"
	TypeComplete        = "COMPLETE"
	TypeDispute         = "DISPUTE"
	TypeDisputeIntent   = "DISPUTE_INTENT"
	TypeDisputeReveal   = "DISPUTE_REVEAL"
	TypeEvidence        = "EVIDENCE"
	TypeArbiterAccept   = "ARBITER_ACCEPT"
	TypeArbiterDecline  = "ARBITER_DECLINE"
	TypeArbiterVote     = "ARBITER_VOTE"
	TypeVerifyRequest   = "VERIFY_REQUEST"
	TypeVerifyResponse  = "VERIFY_RESPONSE"
	TypeRegisterSkills  = "REGISTER_SKILLS"
	TypeSearchSkills    = "SEARCH_SKILLS"
	TypeAdminKick       = "ADMIN_KICK"
	TypeAdminBan        = "ADMIN_BAN"
	TypeAdminUnban      = "ADMIN_UNBAN"
	TypeAdminApprove    = "ADMIN_APPROVE"
	TypeAdminRevoke     = "ADMIN_REVOKE"
	TypeRespondingTo    = "RESPONDING_TO"
	TypePing            = "PING"
)

// Server → client frame types.
const (
	TypeChallenge          = "CHALLENGE"
	TypeCaptchaChallenge   = "CAPTCHA_CHALLENGE"
	TypeWelcome            = "WELCOME"
	TypeAgentJoined        = "AGENT_JOINED"
	TypeAgentLeft          = "AGENT_LEFT"
	TypeJoined             = "JOINED"
	TypeChannels           = "CHANNELS"
	TypeAgents             = "AGENTS"
	TypeDisputeIntentAck   = "DISPUTE_INTENT_ACK"
	TypeDisputeRevealed    = "DISPUTE_REVEALED"
	TypePanelFormed        = "PANEL_FORMED"
	TypeArbiterAssigned    = "ARBITER_ASSIGNED"
	TypeEvidenceReceived   = "EVIDENCE_RECEIVED"
	TypeCaseReady          = "CASE_READY"
	TypeVerdict            = "VERDICT"
	TypeSettlementComplete = "SETTLEMENT_COMPLETE"
	TypeDisputeFallback    = "DISPUTE_FALLBACK"
	TypeSkillsRegistered   = "SKILLS_REGISTERED"
	TypeSearchResults      = "SEARCH_RESULTS"
	TypeKicked             = "KICKED"
	TypeSessionDisplaced   = "SESSION_DISPLACED"
	TypeAdminResult        = "ADMIN_RESULT"
	TypeFloorGranted       = "FLOOR_GRANTED"
	TypeFloorDenied        = "FLOOR_DENIED"
	TypeError              = "ERROR"
	TypePong               = "PONG"
)

// ============================================================================
// ERROR TAXONOMY
// ============================================================================

// Error codes carried in ERROR frames. This set is closed: every ERROR the
// server emits uses one of these codes.
const (
	ErrAuthRequired        = "AUTH_REQUIRED"
	ErrNotAllowed          = "NOT_ALLOWED"
	ErrVerificationFailed  = "VERIFICATION_FAILED"
	ErrVerificationExpired = "VERIFICATION_EXPIRED"
	ErrCaptchaFailed       = "CAPTCHA_FAILED"
	ErrCaptchaExpired      = "CAPTCHA_EXPIRED"
	ErrRateLimited         = "RATE_LIMITED"
	ErrInvalidMsg          = "INVALID_MSG"
	ErrAgentNotFound       = "AGENT_NOT_FOUND"
	ErrChannelNotFound     = "CHANNEL_NOT_FOUND"
	ErrInvalidTransition   = "INVALID_TRANSITION"
	ErrNoPubkey            = "NO_PUBKEY"
	ErrSessionDisplaced    = "SESSION_DISPLACED"
)

// ============================================================================
// FRAME STRUCTURE
// ============================================================================

// EvidenceItem is one piece of evidence submitted to a dispute. The content
// hash covers the serialized item list, not individual items.
type EvidenceItem struct {
	Kind    string `json:"kind"` // "text" or "url"
	Content string `json:"content"`
}

// ChannelInfo describes a channel in a CHANNELS listing.
type ChannelInfo struct {
	Name       string `json:"name"`
	Members    int    `json:"members"`
	InviteOnly bool   `json:"invite_only,omitempty"`
}

// AgentInfo describes an agent in an AGENTS, JOINED or SEARCH_RESULTS listing.
type AgentInfo struct {
	AgentID    string   `json:"agent_id"`
	Name       string   `json:"name,omitempty"`
	Status     string   `json:"status,omitempty"`
	StatusText string   `json:"status_text,omitempty"`
	Verified   bool     `json:"verified,omitempty"`
	Skills     []string `json:"skills,omitempty"`
}

// Frame is the single wire envelope for every message in either direction.
// The zero value of every field other than Type is omitted on the wire, so a
// marshalled frame carries only the fields its type defines.
type Frame struct {
	Type string `json:"type"`

	// Identity and auth handshake.
	Name        string `json:"name,omitempty"`
	PubKey      string `json:"pubkey,omitempty"`
	ChallengeID string `json:"challenge_id,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Verified    bool   `json:"verified,omitempty"`
	Lurk        bool   `json:"lurk,omitempty"`
	NewIP       string `json:"new_ip,omitempty"`

	// Captcha.
	CaptchaID string `json:"captcha_id,omitempty"`
	Question  string `json:"question,omitempty"`
	Answer    string `json:"answer,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`

	// Messaging.
	To      string `json:"to,omitempty"`
	From    string `json:"from,omitempty"`
	Content string `json:"content,omitempty"`
	TS      int64  `json:"ts,omitempty"` // milliseconds since epoch
	Sig     string `json:"sig,omitempty"`
	MsgID   string `json:"msg_id,omitempty"`
	Replay  bool   `json:"replay,omitempty"`

	// Channels and presence.
	Channel    string        `json:"channel,omitempty"`
	InviteOnly bool          `json:"invite_only,omitempty"`
	Agent      string        `json:"agent,omitempty"`
	Channels   []ChannelInfo `json:"channels,omitempty"`
	Agents     []AgentInfo   `json:"agents,omitempty"`
	Status     string        `json:"status,omitempty"`
	StatusText string        `json:"status_text,omitempty"`

	// Proposals.
	ProposalID  string  `json:"proposal_id,omitempty"`
	Task        string  `json:"task,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	PaymentCode string  `json:"payment_code,omitempty"`
	Expires     int64   `json:"expires,omitempty"` // seconds from creation
	EloStake    int     `json:"elo_stake,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Proof       string  `json:"proof,omitempty"`

	// Disputes.
	DisputeID     string         `json:"dispute_id,omitempty"`
	Commitment    string         `json:"commitment,omitempty"`
	ServerNonce   string         `json:"server_nonce,omitempty"`
	Verdict       string         `json:"verdict,omitempty"`
	Reasoning     string         `json:"reasoning,omitempty"`
	Arbiters      []string       `json:"arbiters,omitempty"`
	Items         []EvidenceItem `json:"items,omitempty"`
	ItemsHash     string         `json:"items_hash,omitempty"`
	Disputant     string         `json:"disputant,omitempty"`
	Respondent    string         `json:"respondent,omitempty"`

	// CASE_READY carries both parties' bundles with attribution.
	DisputantItems  []EvidenceItem `json:"disputant_items,omitempty"`
	RespondentItems []EvidenceItem `json:"respondent_items,omitempty"`
	DisputantHash   string         `json:"disputant_hash,omitempty"`
	RespondentHash  string         `json:"respondent_hash,omitempty"`

	Phase         string         `json:"phase,omitempty"`
	Deadline      int64          `json:"deadline,omitempty"`
	RatingChanges map[string]int `json:"rating_changes,omitempty"`

	// Skills.
	Skills  []string    `json:"skills,omitempty"`
	Query   string      `json:"query,omitempty"`
	QueryID string      `json:"query_id,omitempty"`
	Results []AgentInfo `json:"results,omitempty"`

	// Peer verification relay.
	Target    string `json:"target,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Admin.
	AdminKey string `json:"admin_key,omitempty"`
	Note     string `json:"note,omitempty"`

	// Floor control.
	StartedAt int64 `json:"started_at,omitempty"`

	// Errors.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Decode parses a raw inbound frame. A frame without a type is rejected here
// so handlers never see an empty dispatch key.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// Encode serializes a frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Errorf builds an ERROR frame with a code from the closed taxonomy.
func Errorf(code, format string, args ...any) *Frame {
	return &Frame{Type: TypeError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NowMillis is the timestamp format used on MSG frames.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
