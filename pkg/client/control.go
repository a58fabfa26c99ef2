// Package client implements the chat client networking.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

// LineHandler is a callback for incoming server lines (responses, message
// deliveries and async notifications alike).
type LineHandler func(line string)

// VoiceNoteHandler is a callback for voice notes delivered inline on the
// control channel.
type VoiceNoteHandler func(sender string, payload []byte)

// ControlClient manages the TCP control plane connection.
type ControlClient struct {
	conn    net.Conn
	br      *bufio.Reader
	writeMu sync.Mutex

	lineHandler  LineHandler
	voiceHandler VoiceNoteHandler
	done         chan struct{}
}

// Dial connects to the server's control port and registers the username.
// The server's welcome line is passed to the line handler once receiving
// starts, like any other line.
func Dial(ctx context.Context, addr, username string) (*ControlClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect control: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", username); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: register: %w", err)
	}

	return &ControlClient{
		conn: conn,
		br:   bufio.NewReader(conn),
		done: make(chan struct{}),
	}, nil
}

// SetLineHandler sets the callback for incoming server lines.
func (c *ControlClient) SetLineHandler(handler LineHandler) {
	c.lineHandler = handler
}

// SetVoiceNoteHandler sets the callback for voice notes that arrive inline
// on the control channel.
func (c *ControlClient) SetVoiceNoteHandler(handler VoiceNoteHandler) {
	c.voiceHandler = handler
}

// SendCommand sends one command line to the server, e.g. "/msg bob hi".
func (c *ControlClient) SendCommand(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		return fmt.Errorf("client: send command: %w", err)
	}
	return nil
}

// SendVoiceNote uploads a voice note addressed to a single user over the
// control channel.
func (c *ControlClient) SendVoiceNote(target string, payload []byte) error {
	return c.sendFrame(&protocol.FrameHeader{Target: target, Size: len(payload)}, payload)
}

// SendGroupVoiceNote uploads a voice note addressed to a group.
func (c *ControlClient) SendGroupVoiceNote(group string, payload []byte) error {
	return c.sendFrame(&protocol.FrameHeader{Group: group, Size: len(payload)}, payload)
}

func (c *ControlClient) sendFrame(hdr *protocol.FrameHeader, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.WriteFrame(c.conn, hdr, payload); err != nil {
		return fmt.Errorf("client: send voice note: %w", err)
	}
	return nil
}

// StartReceiving starts a goroutine that reads incoming lines and frames
// and dispatches them to the handlers.
func (c *ControlClient) StartReceiving() {
	go func() {
		defer close(c.done)
		for {
			raw, err := c.br.ReadString('\n')
			if err != nil {
				if err == io.EOF || isClosedErr(err) {
					slog.Debug("control connection closed")
					return
				}
				slog.Error("control read error", "err", err)
				return
			}
			line := strings.TrimRight(raw, "\r\n")
			if line == "" {
				continue
			}

			hdr, isFrame, err := protocol.ParseFrameHeader(line)
			if err != nil {
				slog.Warn("malformed frame header", "line", line)
				continue
			}
			if isFrame {
				payload, err := protocol.ReadFramePayload(c.br, hdr)
				if err != nil && err != protocol.ErrBadEndMarker {
					slog.Error("read voice note frame", "err", err)
					return
				}
				// inbound fallback frames carry the sender in the
				// target slot
				if c.voiceHandler != nil {
					c.voiceHandler(hdr.Target, payload)
				}
				continue
			}

			if line == protocol.DisconnectLine {
				slog.Info("server asked us to disconnect")
				c.conn.Close()
				return
			}
			if c.lineHandler != nil {
				c.lineHandler(line)
			}
		}
	}()
}

// Close closes the control connection.
func (c *ControlClient) Close() error {
	return c.conn.Close()
}

// Done returns a channel that's closed when the connection is lost.
func (c *ControlClient) Done() <-chan struct{} {
	return c.done
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
