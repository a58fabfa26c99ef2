package client

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

const maxDatagramSize = 64 * 1024

// TextHandler is a callback for relayed TEXT datagrams.
type TextHandler func(line string)

// AudioHandler is a callback for relayed AUDIO datagrams.
type AudioHandler func(payload []byte)

// MediaClient is the UDP leg used during calls. The server learns our
// source address from the hello datagram and relays everything else to
// the other call participants.
type MediaClient struct {
	conn    *net.UDPConn
	writeMu sync.Mutex

	textHandler  TextHandler
	audioHandler AudioHandler
	done         chan struct{}
}

// DialMedia opens the UDP socket and sends the registration hello.
func DialMedia(addr, username string) (*MediaClient, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: resolve media addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("client: connect media: %w", err)
	}
	if _, err := conn.Write([]byte(username)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: media hello: %w", err)
	}
	return &MediaClient{
		conn: conn,
		done: make(chan struct{}),
	}, nil
}

// LocalPort returns the local UDP port, for /udpport registration on the
// control channel.
func (m *MediaClient) LocalPort() int {
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetTextHandler sets the callback for relayed text datagrams.
func (m *MediaClient) SetTextHandler(handler TextHandler) {
	m.textHandler = handler
}

// SetAudioHandler sets the callback for relayed audio datagrams.
func (m *MediaClient) SetAudioHandler(handler AudioHandler) {
	m.audioHandler = handler
}

// SendText sends an in-call text line to the other participants.
func (m *MediaClient) SendText(text string) error {
	return m.send([]byte(protocol.TextPrefix + text))
}

// SendAudio sends one audio datagram to the other participants.
func (m *MediaClient) SendAudio(payload []byte) error {
	buf := make([]byte, 0, len(protocol.AudioPrefix)+len(payload))
	buf = append(buf, protocol.AudioPrefix...)
	buf = append(buf, payload...)
	return m.send(buf)
}

func (m *MediaClient) send(datagram []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.conn.Write(datagram); err != nil {
		return fmt.Errorf("client: send media: %w", err)
	}
	return nil
}

// StartReceiving starts a goroutine that reads relayed datagrams and
// dispatches them to the handlers.
func (m *MediaClient) StartReceiving() {
	go func() {
		defer close(m.done)
		buf := make([]byte, maxDatagramSize)
		for {
			n, err := m.conn.Read(buf)
			if err != nil {
				if isClosedErr(err) {
					slog.Debug("media socket closed")
					return
				}
				slog.Error("media read error", "err", err)
				return
			}
			data := buf[:n]
			switch {
			case strings.HasPrefix(string(data), protocol.TextPrefix):
				if m.textHandler != nil {
					m.textHandler(string(data[len(protocol.TextPrefix):]))
				}
			case strings.HasPrefix(string(data), protocol.AudioPrefix):
				if m.audioHandler != nil {
					payload := make([]byte, n-len(protocol.AudioPrefix))
					copy(payload, data[len(protocol.AudioPrefix):])
					m.audioHandler(payload)
				}
			default:
				// registration ack and anything unrecognized surface
				// as text
				if m.textHandler != nil {
					m.textHandler(string(data))
				}
			}
		}
	}()
}

// Close closes the UDP socket.
func (m *MediaClient) Close() error {
	return m.conn.Close()
}

// Done returns a channel that's closed when the socket is gone.
func (m *MediaClient) Done() <-chan struct{} {
	return m.done
}
