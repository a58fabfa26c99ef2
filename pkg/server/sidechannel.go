package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

// StartSideChannel starts the TCP listener for voice side channels.
func (s *Server) StartSideChannel() error {
	ln, err := net.Listen("tcp", s.cfg.SideAddr)
	if err != nil {
		return fmt.Errorf("server: listen side channel: %w", err)
	}
	s.sideLn = ln
	slog.Info("voice side channel listening", "addr", s.cfg.SideAddr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("side channel accept error", "err", err)
					continue
				}
			}
			go s.handleSideConn(conn)
		}
	}()

	return nil
}

// handleSideConn attaches one side channel to an existing session. The
// first line is the username; after that, voice notes flow in both
// directions. Inbound notes take the same routing path as notes embedded
// in the control stream.
func (s *Server) handleSideConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	br := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	line, err := br.ReadString('\n')
	if err != nil {
		slog.Debug("side channel registration read failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	username := strings.TrimSpace(line)
	sess, online := s.sessions.Get(username)
	if !online {
		_, _ = fmt.Fprintf(conn, "Error: user %q is not registered\n", username)
		return
	}

	if old := sess.SetSideChannel(conn); old != nil {
		_ = old.Close()
		slog.Debug("side channel replaced", "user", username)
	}
	defer sess.ClearSideChannel(conn)
	slog.Info("side channel attached", "user", username)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		hdr, payload, err := protocol.ReadVoiceNote(br)
		if err != nil {
			slog.Debug("side channel closed", "user", username, "err", err)
			return
		}

		frame := &protocol.FrameHeader{Target: hdr.Target, Group: hdr.Group}
		s.deliverVoiceNote(sess, frame, payload)
	}
}
