package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

const (
	sideDialAttempts = 5
	sideDialBackoff  = 500 * time.Millisecond
)

// SideVoiceHandler is a callback for voice notes delivered over the side
// channel's binary framing.
type SideVoiceHandler func(hdr *protocol.VoiceHeader, payload []byte)

// SideChannel is the dedicated voice-note connection. Uploads and
// deliveries share the one conn; both use the length-prefixed framing.
type SideChannel struct {
	conn    net.Conn
	writeMu sync.Mutex

	handler SideVoiceHandler
	done    chan struct{}
}

// DialSideChannel connects to the server's side-channel port and announces
// the username. Dialing retries with doubling backoff since clients
// typically open the side channel right after registering and the server
// may not have the session visible yet.
func DialSideChannel(ctx context.Context, addr, username string) (*SideChannel, error) {
	var (
		conn net.Conn
		err  error
	)
	backoff := sideDialBackoff
	for attempt := 1; attempt <= sideDialAttempts; attempt++ {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if attempt == sideDialAttempts {
			return nil, fmt.Errorf("client: connect side channel after %d attempts: %w", sideDialAttempts, err)
		}
		slog.Debug("side channel dial failed, retrying", "attempt", attempt, "err", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("client: connect side channel: %w", ctx.Err())
		}
		backoff *= 2
	}

	if _, err := fmt.Fprintf(conn, "%s\n", username); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: announce on side channel: %w", err)
	}

	return &SideChannel{
		conn: conn,
		done: make(chan struct{}),
	}, nil
}

// SetVoiceHandler sets the callback for delivered voice notes.
func (sc *SideChannel) SetVoiceHandler(handler SideVoiceHandler) {
	sc.handler = handler
}

// SendVoiceNote uploads a voice note addressed to a single user.
func (sc *SideChannel) SendVoiceNote(sender, target string, payload []byte) error {
	return sc.send(&protocol.VoiceHeader{Sender: sender, Target: target}, payload)
}

// SendGroupVoiceNote uploads a voice note addressed to a group.
func (sc *SideChannel) SendGroupVoiceNote(sender, group string, payload []byte) error {
	return sc.send(&protocol.VoiceHeader{Sender: sender, Group: group}, payload)
}

func (sc *SideChannel) send(hdr *protocol.VoiceHeader, payload []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := protocol.WriteVoiceNote(sc.conn, hdr, payload); err != nil {
		return fmt.Errorf("client: send voice note: %w", err)
	}
	return nil
}

// StartReceiving starts a goroutine that reads delivered voice notes and
// dispatches them to the handler.
func (sc *SideChannel) StartReceiving() {
	go func() {
		defer close(sc.done)
		for {
			vh, payload, err := protocol.ReadVoiceNote(sc.conn)
			if err != nil {
				if err == io.EOF || isClosedErr(err) {
					slog.Debug("side channel closed")
					return
				}
				slog.Error("side channel read error", "err", err)
				return
			}
			if sc.handler != nil {
				sc.handler(vh, payload)
			}
		}
	}()
}

// Close closes the side channel.
func (sc *SideChannel) Close() error {
	return sc.conn.Close()
}

// Done returns a channel that's closed when the connection is lost.
func (sc *SideChannel) Done() <-chan struct{} {
	return sc.done
}
