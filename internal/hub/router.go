package hub

import (
	"github.com/agentchat/relay/internal/metrics"
	"github.com/agentchat/relay/internal/protocol"
)

// route is the single inbound dispatch point. It enforces the auth gate,
// ban list, rate limits and redaction before any handler runs.
func (h *Hub) route(s *Session, f *protocol.Frame) {
	metrics.FramesIn.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case protocol.TypePing:
		s.sendFrame(&protocol.Frame{Type: protocol.TypePong, TS: protocol.NowMillis()})
		return
	case protocol.TypeIdentify:
		h.handleIdentify(s, f)
		return
	case protocol.TypeVerifyIdentity:
		h.handleVerifyIdentity(s, f)
		return
	case protocol.TypeCaptchaResponse:
		h.handleCaptchaResponse(s, f)
		return
	}

	if s.State() != stateVerified {
		s.sendError(protocol.ErrAuthRequired, "complete the handshake first")
		return
	}

	s.mu.Lock()
	agentID, pubkeyHex := s.agentID, s.pubkeyHex
	s.mu.Unlock()

	if h.access.IsBanned(agentID, pubkeyHex) {
		s.sendError(protocol.ErrNotAllowed, "agent is banned")
		s.close()
		return
	}

	switch f.Type {
	case protocol.TypeMsg, protocol.TypeFileChunk, protocol.TypeProposal:
		if !h.limiter(agentID).Allow() {
			metrics.RateLimited.Inc()
			s.sendError(protocol.ErrRateLimited, "slow down: 1 message per second")
			return
		}
	}

	if f.Content != "" {
		if hits := h.redactor.Hits(f.Content); len(hits) > 0 {
			for _, n := range hits {
				metrics.RedactionHits.Add(float64(n))
			}
			h.logger.Warn("redacted secrets in relayed content", "agent_id", agentID, "patterns", len(hits))
			f.Content = h.redactor.Redact(f.Content)
		}
	}

	switch f.Type {
	case protocol.TypeMsg, protocol.TypeFileChunk:
		h.handleMsg(s, f)
	case protocol.TypeJoin:
		h.handleJoin(s, f)
	case protocol.TypeLeave:
		h.handleLeave(s, f)
	case protocol.TypeCreateChannel:
		h.handleCreateChannel(s, f)
	case protocol.TypeInvite:
		h.handleInvite(s, f)
	case protocol.TypeListChannels:
		h.handleListChannels(s)
	case protocol.TypeListAgents:
		h.handleListAgents(s, f)
	case protocol.TypeSetPresence:
		h.handleSetPresence(s, f)
	case protocol.TypeRespondingTo:
		h.handleRespondingTo(s, f)
	case protocol.TypeRegisterSkills:
		h.handleRegisterSkills(s, f)
	case protocol.TypeSearchSkills:
		h.handleSearchSkills(s, f)
	case protocol.TypeVerifyRequest:
		h.handleVerifyRequest(s, f)
	case protocol.TypeVerifyResponse:
		h.handleVerifyResponse(s, f)
	case protocol.TypeProposal:
		h.handleProposal(s, f)
	case protocol.TypeAccept:
		h.handleAccept(s, f)
	case protocol.TypeReject:
		h.handleReject(s, f)
	case protocol.TypeComplete:
		h.handleComplete(s, f)
	case protocol.TypeDispute:
		h.handleDispute(s, f)
	case protocol.TypeDisputeIntent:
		h.handleDisputeIntent(s, f)
	case protocol.TypeDisputeReveal:
		h.handleDisputeReveal(s, f)
	case protocol.TypeEvidence:
		h.handleEvidence(s, f)
	case protocol.TypeArbiterAccept:
		h.handleArbiterAccept(s, f)
	case protocol.TypeArbiterDecline:
		h.handleArbiterDecline(s, f)
	case protocol.TypeArbiterVote:
		h.handleArbiterVote(s, f)
	case protocol.TypeAdminKick, protocol.TypeAdminBan, protocol.TypeAdminUnban,
		protocol.TypeAdminApprove, protocol.TypeAdminRevoke:
		h.handleAdmin(s, f)
	default:
		s.sendError(protocol.ErrInvalidMsg, "unsupported frame type %q", f.Type)
	}
}
