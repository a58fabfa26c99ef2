package server

import (
	"fmt"
	"log/slog"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

// deliverVoiceNote routes a voice note read off the sender's control
// stream or side channel. Direct notes go to one user; group notes fan
// out to every online member except the sender, one failure never
// aborting the rest.
func (s *Server) deliverVoiceNote(sess *ClientSession, hdr *protocol.FrameHeader, payload []byte) {
	if hdr.Group != "" {
		s.deliverGroupVoiceNote(sess, hdr.Group, payload)
		return
	}

	recipient, online := s.sessions.Get(hdr.Target)
	if !online {
		_ = sess.SendLine(fmt.Sprintf("Error: user %q is not online", hdr.Target))
		return
	}

	if s.sendVoiceNoteTo(sess, recipient, "", payload) {
		_ = sess.SendLine(fmt.Sprintf("Voice note delivered to %q", hdr.Target))
		s.metrics.VoiceNotesRelayed.Inc()
		s.metrics.VoiceNoteBytes.Add(float64(len(payload)))
		s.record(model.NewEvent(model.EventVoiceNote, sess.Username, map[string]any{
			"to":    hdr.Target,
			"bytes": len(payload),
		}))
	} else {
		_ = sess.SendLine(fmt.Sprintf("Error: could not deliver voice note to %q", hdr.Target))
	}
}

func (s *Server) deliverGroupVoiceNote(sess *ClientSession, group string, payload []byte) {
	members, exists := s.groups.Members(group)
	if !exists {
		_ = sess.SendLine(fmt.Sprintf("Error: group %q does not exist", group))
		return
	}

	delivered := 0
	for _, name := range members {
		if name == sess.Username {
			continue
		}
		recipient, online := s.sessions.Get(name)
		if !online {
			continue
		}
		if s.sendVoiceNoteTo(sess, recipient, group, payload) {
			delivered++
		}
	}
	_ = sess.SendLine(fmt.Sprintf("Voice note sent to group %q (%d delivered)", group, delivered))

	if delivered > 0 {
		s.metrics.VoiceNotesRelayed.Add(float64(delivered))
		s.metrics.VoiceNoteBytes.Add(float64(delivered * len(payload)))
	}
	s.record(model.NewEvent(model.EventVoiceNote, sess.Username, map[string]any{
		"group":     group,
		"bytes":     len(payload),
		"delivered": delivered,
	}))
}

// sendVoiceNoteTo delivers one note to one recipient: a heads-up line on
// the control channel, then the payload over the side channel when one is
// attached, falling back to an embedded control-stream frame otherwise.
func (s *Server) sendVoiceNoteTo(sender *ClientSession, recipient *ClientSession, group string, payload []byte) bool {
	incoming := protocol.VoiceNoteIncomingLine(sender.Username, s.senderEndpoint(sender))
	if err := recipient.SendLine(incoming); err != nil {
		slog.Debug("voice note heads-up failed", "to", recipient.Username, "err", err)
		return false
	}

	if recipient.HasSideChannel() {
		hdr := &protocol.VoiceHeader{Sender: sender.Username, Target: recipient.Username, Group: group}
		if err := recipient.SendVoiceNote(hdr, payload); err == nil {
			s.notifyVoiceNote(sender.Username, recipient.Username, group, len(payload))
			return true
		}
		slog.Debug("side channel delivery failed, falling back", "to", recipient.Username)
	}

	// Fallback frames always carry the sender in the target slot, group
	// notes included; the receiving client attributes the note by it.
	fallback := &protocol.FrameHeader{Target: sender.Username}
	if err := recipient.SendFrame(fallback, payload); err != nil {
		slog.Debug("voice note fallback delivery failed", "to", recipient.Username, "err", err)
		return false
	}
	s.notifyVoiceNote(sender.Username, recipient.Username, group, len(payload))
	return true
}

func (s *Server) notifyVoiceNote(sender, recipient, group string, size int) {
	s.bridge.Notify(recipient, model.NewEvent(model.EventVoiceNote, sender, map[string]any{
		"group": group,
		"bytes": size,
	}))
}

// senderEndpoint is the address advertised on VOICE_NOTE_INCOMING lines:
// the sender's media endpoint when registered, its control address
// otherwise.
func (s *Server) senderEndpoint(sess *ClientSession) string {
	if ep := sess.UDPEndpoint(); ep.Valid() {
		return ep.String()
	}
	return sess.RemoteAddr().String()
}
