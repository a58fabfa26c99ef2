package server

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

// registerTimeout bounds how long a fresh connection may take to send
// its username line.
const registerTimeout = 30 * time.Second

// StartControl starts the TCP control listener.
func (s *Server) StartControl() error {
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.controlLn = ln
	slog.Info("control plane listening", "addr", s.cfg.ControlAddr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleControlConn(conn)
		}
	}()

	return nil
}

// handleControlConn handles one control connection lifecycle:
// registration, the command/frame read loop, and teardown.
func (s *Server) handleControlConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	remoteAddr := conn.RemoteAddr().String()
	s.metrics.ConnectionsTotal.Inc()
	slog.Debug("new control connection", "remote", remoteAddr)

	// The same buffered reader serves line mode and binary frame mode;
	// creating a second reader would lose buffered frame bytes.
	br := bufio.NewReader(conn)

	// First line must be the username
	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	line, err := br.ReadString('\n')
	if err != nil {
		slog.Debug("registration read failed", "remote", remoteAddr, "err", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{}) // clear deadline

	username := strings.TrimSpace(line)
	if err := model.ValidateUsername(username); err != nil {
		_, _ = fmt.Fprintf(conn, "Error: %s\n", err.Error())
		return
	}

	sess := newClientSession(username, conn)
	if replaced := s.sessions.Register(sess); replaced != nil {
		// One session per name: the newcomer wins, the old connection is
		// told to go away.
		_ = replaced.SendLine(protocol.DisconnectLine)
		replaced.Close()
		slog.Info("session replaced", "user", username, "old_remote", replaced.RemoteAddr())
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))

	defer s.teardownSession(sess)

	_ = sess.SendLine(fmt.Sprintf("Welcome, %s! Type /help to see available commands.", username))
	slog.Info("client registered", "user", username, "remote", remoteAddr)

	s.record(model.NewEvent(model.EventUserJoin, username, nil))
	s.bridge.Broadcast(model.NewEvent(model.EventUserJoin, username, nil))

	// Read loop: line mode for commands, binary mode for embedded voice
	// note frames.
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		line, err := br.ReadString('\n')
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Debug("control read closed", "user", username, "err", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if hdr, isFrame, err := protocol.ParseFrameHeader(line); isFrame {
			if err != nil {
				_ = sess.SendLine("Error: " + err.Error())
				continue
			}
			payload, err := protocol.ReadFramePayload(br, hdr)
			if err != nil {
				if !errors.Is(err, protocol.ErrBadEndMarker) {
					slog.Debug("frame read failed", "user", username, "err", err)
					return
				}
				// Payload arrived intact; a sloppy trailer is not worth
				// dropping the note over.
				slog.Warn("voice note end marker missing", "user", username, "target", hdr.Target, "group", hdr.Group)
			}
			s.deliverVoiceNote(sess, hdr, payload)
			continue
		}

		if strings.HasPrefix(line, "/") {
			s.dispatchCommand(sess, line)
			continue
		}
		_ = sess.SendLine("Error: unrecognized input. Commands start with '/'; type /help for the list.")
	}
}

// teardownSession runs the disconnect cleanup exactly once per session.
// A session that was replaced by a newer login must not tear down the
// newcomer's state, so everything is gated on the registry removal.
func (s *Server) teardownSession(sess *ClientSession) {
	if !s.sessions.Remove(sess) {
		return
	}
	sess.Close()
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
	slog.Info("client disconnected", "user", sess.Username)

	// Individual calls end when either participant drops; group calls
	// continue without the departed user until fewer than two remain.
	if callID, ok := s.calls.CallOf(sess.Username); ok {
		call, _ := s.calls.Get(callID)
		if call.Scope == model.CallIndividual {
			s.endCall(callID, sess.Username)
		} else {
			remaining, _ := s.calls.RemoveParticipant(callID, sess.Username)
			if remaining < 2 {
				s.endCall(callID, sess.Username)
			} else {
				for _, name := range s.calls.Participants(callID) {
					s.bridge.Notify(name, model.NewEvent(model.EventUserLeave, sess.Username, map[string]any{
						"call_id": callID,
					}))
				}
			}
		}
	}

	s.media.forget(sess.Username)

	s.record(model.NewEvent(model.EventUserLeave, sess.Username, nil))
	s.bridge.Broadcast(model.NewEvent(model.EventUserLeave, sess.Username, nil))
}

// record appends an event to the history sink. History is best effort;
// a failed append never fails the operation that produced it.
func (s *Server) record(ev model.Event) {
	if err := s.history.AppendEvent(s.ctx, ev); err != nil {
		slog.Warn("history append failed", "type", ev.Type, "err", err)
	}
}
