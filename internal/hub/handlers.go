package hub

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agentchat/relay/internal/callback"
	"github.com/agentchat/relay/internal/protocol"
)

// ============================================================================
// MESSAGING
// ============================================================================

func (h *Hub) handleMsg(s *Session, f *protocol.Frame) {
	if f.To == "" {
		s.sendError(protocol.ErrInvalidMsg, "to is required")
		return
	}
	if f.Type == protocol.TypeMsg && utf8.RuneCountInString(f.Content) > protocol.MaxMsgContent {
		s.sendError(protocol.ErrInvalidMsg, "content exceeds %d characters", protocol.MaxMsgContent)
		return
	}
	if f.Type == protocol.TypeFileChunk && strings.HasPrefix(f.To, "#") {
		s.sendError(protocol.ErrInvalidMsg, "FILE_CHUNK is DM-only")
		return
	}

	if f.Type == protocol.TypeMsg {
		cleaned, req, err := callback.Parse(f.Content, h.cfg.Limits.MaxCallbackDelay)
		if err != nil {
			s.sendError(protocol.ErrInvalidMsg, "%v", err)
			return
		}
		if req != nil {
			if err := h.callbacks.Schedule(s.AgentID(), *req); err != nil {
				s.sendError(protocol.ErrInvalidMsg, "%v", err)
				return
			}
			f.Content = cleaned
			if cleaned == "" {
				return // the marker was the whole message
			}
		}
	}
	h.routeMessage(s, f)
}

// agentRef normalizes an agent reference to the canonical "@"-prefixed id
// form. Ids carry the "@" on the wire, but bare references are accepted.
func agentRef(ref string) string {
	if ref == "" || strings.HasPrefix(ref, "@") {
		return ref
	}
	return "@" + ref
}

// routeMessage fans a MSG or FILE_CHUNK out to its destination. Callback
// replays re-enter here.
func (h *Hub) routeMessage(s *Session, f *protocol.Frame) {
	from := s.AgentID()
	out := &protocol.Frame{
		Type:    f.Type,
		From:    from,
		To:      f.To,
		Content: f.Content,
		TS:      protocol.NowMillis(),
		MsgID:   "msg_" + uuid.NewString()[:8],
	}

	if strings.HasPrefix(f.To, "#") {
		ch, ok := h.channels.Get(f.To)
		if !ok {
			s.sendError(protocol.ErrChannelNotFound, "channel %s not found", f.To)
			return
		}
		if !ch.Has(from) {
			s.sendError(protocol.ErrNotAllowed, "join %s before sending to it", ch.Name())
			return
		}
		// Lurking sessions may receive but their broadcasts vanish.
		if s.Lurking() {
			return
		}
		ch.Record(*out)
		h.broadcast(ch, out, from)
		return
	}

	target := agentRef(f.To)
	if !h.deliverTo(target, out) {
		s.sendError(protocol.ErrAgentNotFound, "agent %s is not connected", target)
	}
}

// ============================================================================
// CHANNELS AND PRESENCE
// ============================================================================

func (h *Hub) handleJoin(s *Session, f *protocol.Frame) {
	id := s.AgentID()
	ch, err := h.channels.Join(f.Channel, id)
	if err != nil {
		if strings.Contains(err.Error(), "invite-only") {
			s.sendError(protocol.ErrNotAllowed, "%v", err)
		} else {
			s.sendError(protocol.ErrChannelNotFound, "%v", err)
		}
		return
	}

	members := ch.Members()
	infos := make([]protocol.AgentInfo, 0, len(members))
	for _, m := range members {
		infos = append(infos, h.agentInfo(m))
	}
	s.sendFrame(&protocol.Frame{Type: protocol.TypeJoined, Channel: ch.Name(), Agents: infos})

	// Late joiners see recent history before live traffic.
	for _, replay := range ch.Replay() {
		frame := replay
		s.sendFrame(&frame)
	}

	h.broadcast(ch, &protocol.Frame{
		Type: protocol.TypeAgentJoined, Channel: ch.Name(),
		AgentID: id, Name: h.agentInfo(id).Name,
	}, id)
}

func (h *Hub) handleLeave(s *Session, f *protocol.Frame) {
	id := s.AgentID()
	ch, err := h.channels.Leave(f.Channel, id)
	if err != nil {
		s.sendError(protocol.ErrChannelNotFound, "%v", err)
		return
	}
	h.floor.Release(id, ch.Name())
	s.sendFrame(&protocol.Frame{Type: protocol.TypeAgentLeft, Channel: ch.Name(), AgentID: id})
	h.broadcast(ch, &protocol.Frame{Type: protocol.TypeAgentLeft, Channel: ch.Name(), AgentID: id}, id)
}

func (h *Hub) handleCreateChannel(s *Session, f *protocol.Frame) {
	ch, err := h.channels.Create(f.Channel, s.AgentID(), f.InviteOnly)
	if err != nil {
		s.sendError(protocol.ErrInvalidMsg, "%v", err)
		return
	}
	s.sendFrame(&protocol.Frame{Type: protocol.TypeJoined, Channel: ch.Name(), InviteOnly: ch.InviteOnly()})
}

func (h *Hub) handleInvite(s *Session, f *protocol.Frame) {
	id := s.AgentID()
	invitee := agentRef(f.Agent)
	ch, err := h.channels.Invite(f.Channel, id, invitee)
	if err != nil {
		s.sendError(protocol.ErrNotAllowed, "%v", err)
		return
	}
	h.deliverTo(invitee, &protocol.Frame{
		Type: protocol.TypeInvite, Channel: ch.Name(), From: id,
	})
}

func (h *Hub) handleListChannels(s *Session) {
	s.sendFrame(&protocol.Frame{Type: protocol.TypeChannels, Channels: h.channels.List()})
}

func (h *Hub) handleListAgents(s *Session, f *protocol.Frame) {
	var ids []string
	if f.Channel != "" {
		ch, ok := h.channels.Get(f.Channel)
		if !ok {
			s.sendError(protocol.ErrChannelNotFound, "channel %s not found", f.Channel)
			return
		}
		ids = ch.Members()
	} else {
		h.mu.RLock()
		for id := range h.sessions {
			ids = append(ids, id)
		}
		h.mu.RUnlock()
		sort.Strings(ids)
	}
	infos := make([]protocol.AgentInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, h.agentInfo(id))
	}
	s.sendFrame(&protocol.Frame{Type: protocol.TypeAgents, Channel: f.Channel, Agents: infos})
}

var validStatuses = map[string]bool{"online": true, "away": true, "busy": true}

func (h *Hub) handleSetPresence(s *Session, f *protocol.Frame) {
	if !validStatuses[f.Status] {
		s.sendError(protocol.ErrInvalidMsg, "status must be online, away or busy")
		return
	}
	s.mu.Lock()
	s.status = f.Status
	s.statusText = f.StatusText
	s.mu.Unlock()
}

// ============================================================================
// FLOOR CONTROL
// ============================================================================

func (h *Hub) handleRespondingTo(s *Session, f *protocol.Frame) {
	if f.Channel == "" || f.MsgID == "" {
		s.sendError(protocol.ErrInvalidMsg, "channel and msg_id are required")
		return
	}
	id := s.AgentID()
	res := h.floor.TryClaim(f.Channel, f.MsgID, id, f.StartedAt)
	if !res.Granted {
		s.sendFrame(&protocol.Frame{
			Type: protocol.TypeFloorDenied, Channel: f.Channel, MsgID: f.MsgID,
			AgentID: res.Incumbent.AgentID, StartedAt: res.Incumbent.StartedAt,
		})
		return
	}
	s.sendFrame(&protocol.Frame{Type: protocol.TypeFloorGranted, Channel: f.Channel, MsgID: f.MsgID})
	if res.Displaced != "" {
		h.deliverTo(res.Displaced, &protocol.Frame{
			Type: protocol.TypeFloorDenied, Channel: f.Channel, MsgID: f.MsgID,
			AgentID: id, StartedAt: f.StartedAt, Reason: "displaced by earlier responder",
		})
	}
}

// ============================================================================
// SKILLS
// ============================================================================

func (h *Hub) handleRegisterSkills(s *Session, f *protocol.Frame) {
	clean := h.skills.Register(s.AgentID(), f.Skills)
	s.sendFrame(&protocol.Frame{Type: protocol.TypeSkillsRegistered, Skills: clean})
}

func (h *Hub) handleSearchSkills(s *Session, f *protocol.Frame) {
	hits := h.skills.Search(f.Query)
	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	results := make([]protocol.AgentInfo, 0, len(ids))
	for _, id := range ids {
		results = append(results, h.agentInfo(id))
	}
	s.sendFrame(&protocol.Frame{
		Type: protocol.TypeSearchResults, QueryID: f.QueryID, Query: f.Query, Results: results,
	})
}

// ============================================================================
// PEER VERIFICATION RELAY
// ============================================================================

func (h *Hub) handleVerifyRequest(s *Session, f *protocol.Frame) {
	target := agentRef(f.Target)
	if _, ok := h.session(target); !ok {
		s.sendError(protocol.ErrAgentNotFound, "agent %s is not connected", target)
		return
	}
	requestID := "vr_" + uuid.NewString()[:8]
	h.mu.Lock()
	h.pending[requestID] = pendingVerify{requester: s.AgentID(), created: time.Now()}
	h.mu.Unlock()

	h.deliverTo(target, &protocol.Frame{
		Type: protocol.TypeVerifyRequest, From: s.AgentID(),
		Nonce: f.Nonce, RequestID: requestID,
	})
}

func (h *Hub) handleVerifyResponse(s *Session, f *protocol.Frame) {
	h.mu.Lock()
	req, ok := h.pending[f.RequestID]
	if ok {
		delete(h.pending, f.RequestID)
	}
	h.mu.Unlock()
	if !ok {
		s.sendError(protocol.ErrInvalidMsg, "unknown request id")
		return
	}
	h.deliverTo(req.requester, &protocol.Frame{
		Type: protocol.TypeVerifyResponse, From: s.AgentID(),
		RequestID: f.RequestID, Nonce: f.Nonce, Signature: f.Signature,
	})
}
