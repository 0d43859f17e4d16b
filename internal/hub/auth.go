package hub

import (
	"strings"

	"github.com/google/uuid"

	"github.com/agentchat/relay/internal/captcha"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/protocol"
)

// ============================================================================
// AUTH STATE MACHINE
// ============================================================================

func (h *Hub) handleIdentify(s *Session, f *protocol.Frame) {
	if s.State() != stateAwaitingIdentify {
		if s.State() == stateAwaitingVerify {
			s.sendError(protocol.ErrInvalidMsg, "challenge already pending")
		} else {
			s.sendError(protocol.ErrInvalidMsg, "already identified")
		}
		return
	}
	name := strings.TrimSpace(f.Name)
	if name == "" {
		s.sendError(protocol.ErrInvalidMsg, "name is required")
		return
	}

	if f.PubKey == "" {
		h.identifyEphemeral(s, name)
		return
	}

	pub, err := identity.ParsePublicKey(f.PubKey)
	if err != nil {
		s.sendError(protocol.ErrVerificationFailed, "%v", err)
		s.close()
		return
	}
	agentID := identity.AgentID(pub)
	if h.access.IsBanned(agentID, f.PubKey) {
		s.sendError(protocol.ErrNotAllowed, "agent is banned")
		s.close()
		return
	}

	nonce, err := identity.GenerateNonce()
	if err != nil {
		s.sendError(protocol.ErrInvalidMsg, "failed to issue challenge")
		s.close()
		return
	}
	challengeID := "chal_" + uuid.NewString()[:8]

	s.mu.Lock()
	s.name = name
	s.pubkeyHex = f.PubKey
	s.pubkey = pub
	s.agentID = agentID
	s.challengeID = challengeID
	s.challengeNonce = nonce
	s.state = stateAwaitingVerify
	s.mu.Unlock()

	expiresAt := protocol.NowMillis() + h.cfg.Auth.ChallengeTTL.Milliseconds()
	s.sendFrame(&protocol.Frame{
		Type:        protocol.TypeChallenge,
		ChallengeID: challengeID,
		Nonce:       nonce,
		ExpiresAt:   expiresAt,
	})

	h.sched.Schedule("challenge:"+challengeID, h.cfg.Auth.ChallengeTTL, func() {
		if s.State() == stateAwaitingVerify {
			s.sendError(protocol.ErrVerificationExpired, "challenge expired")
			s.close()
		}
	})
}

func (h *Hub) identifyEphemeral(s *Session, name string) {
	if ok, reason := h.access.Admit("", "", name); !ok {
		s.sendError(protocol.ErrNotAllowed, "%s", reason)
		s.close()
		return
	}
	id, err := identity.EphemeralID()
	if err != nil {
		s.sendError(protocol.ErrInvalidMsg, "failed to assign agent id")
		s.close()
		return
	}
	s.mu.Lock()
	s.name = name
	s.agentID = id
	s.mu.Unlock()

	if h.cfg.Captcha.Enabled {
		h.issueCaptcha(s)
		return
	}
	h.finalize(s)
}

func (h *Hub) handleVerifyIdentity(s *Session, f *protocol.Frame) {
	if s.State() != stateAwaitingVerify {
		s.sendError(protocol.ErrVerificationFailed, "no challenge pending")
		return
	}
	s.mu.Lock()
	challengeID := s.challengeID
	nonce := s.challengeNonce
	pub := s.pubkey
	agentID := s.agentID
	pubkeyHex := s.pubkeyHex
	s.mu.Unlock()

	if f.ChallengeID != challengeID {
		s.sendError(protocol.ErrVerificationFailed, "unknown challenge id")
		s.close()
		return
	}
	content := identity.AuthContent(nonce, challengeID, f.Timestamp)
	if !identity.Verify(pub, content, f.Signature) {
		s.sendError(protocol.ErrVerificationFailed, "signature verification failed")
		s.close()
		return
	}
	h.sched.Cancel("challenge:" + challengeID)

	// Allowlist and banlist verdicts land only after proof of key
	// possession, so an unapproved key still completes the challenge.
	s.mu.Lock()
	name := s.name
	s.mu.Unlock()
	if ok, reason := h.access.Admit(pubkeyHex, agentID, name); !ok {
		s.sendError(protocol.ErrNotAllowed, "%s", reason)
		s.close()
		return
	}

	if h.cfg.Captcha.Enabled {
		h.issueCaptcha(s)
		return
	}
	h.finalize(s)
}

func (h *Hub) issueCaptcha(s *Session) {
	c := h.captcha.Issue()
	s.mu.Lock()
	s.captchaID = c.ID
	s.state = stateCaptchaPending
	s.mu.Unlock()

	s.sendFrame(&protocol.Frame{
		Type:      protocol.TypeCaptchaChallenge,
		CaptchaID: c.ID,
		Question:  c.Question.Prompt,
		ExpiresAt: c.ExpiresAt.UnixMilli(),
	})
	h.sched.Schedule("captcha:"+c.ID, h.captcha.TTL(), func() {
		if s.State() == stateCaptchaPending {
			h.captcha.Forget(c.ID)
			s.sendError(protocol.ErrCaptchaExpired, "captcha expired")
			s.close()
		}
	})
}

func (h *Hub) handleCaptchaResponse(s *Session, f *protocol.Frame) {
	if s.State() != stateCaptchaPending {
		s.sendError(protocol.ErrInvalidMsg, "no captcha pending")
		return
	}
	result := h.captcha.Check(f.CaptchaID, f.Answer)
	metrics.CaptchaResults.WithLabelValues(result).Inc()
	h.sched.Cancel("captcha:" + f.CaptchaID)

	switch result {
	case captcha.ResultPass:
		h.finalize(s)
	case captcha.ResultExpired:
		s.sendError(protocol.ErrCaptchaExpired, "captcha expired")
		s.close()
	default:
		if h.captcha.Policy() == captcha.PolicyLurk {
			s.mu.Lock()
			s.lurk = true
			s.mu.Unlock()
			h.finalize(s)
			return
		}
		s.sendError(protocol.ErrCaptchaFailed, "captcha failed")
		s.close()
	}
}

// finalize completes the handshake: the session takes (or takes over) its
// agent id and receives WELCOME.
func (h *Hub) finalize(s *Session) {
	s.setState(stateVerified)
	h.register(s)

	s.mu.Lock()
	agentID := s.agentID
	verified := s.pubkey != nil
	lurk := s.lurk
	s.mu.Unlock()

	s.sendFrame(&protocol.Frame{
		Type:     protocol.TypeWelcome,
		AgentID:  agentID,
		Verified: verified,
		Lurk:     lurk,
	})
	h.logger.Info("agent connected",
		"agent_id", agentID, "verified", verified, "lurk", lurk, "remote", s.remoteAddr)
}
