package server

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

const (
	maxDatagramSize = 64 * 1024
	packetQueueSize = 1024

	// receiveTimeout lets the receive loop poll for shutdown; it is not a
	// protocol timeout.
	receiveTimeout = time.Second
)

type mediaPacket struct {
	data []byte
	addr *net.UDPAddr
}

// mediaTable tracks which UDP source address belongs to which display
// name. An address registers with its first datagram.
type mediaTable struct {
	mu     sync.RWMutex
	byAddr map[string]string   // "ip:port" -> name
	byName map[string]net.Addr // name -> address
}

func newMediaTable() *mediaTable {
	return &mediaTable{
		byAddr: make(map[string]string),
		byName: make(map[string]net.Addr),
	}
}

func (t *mediaTable) register(addr *net.UDPAddr, name string) {
	t.mu.Lock()
	if old, ok := t.byName[name]; ok && old.String() != addr.String() {
		delete(t.byAddr, old.String())
	}
	t.byAddr[addr.String()] = name
	t.byName[name] = addr
	t.mu.Unlock()
}

func (t *mediaTable) lookup(addr *net.UDPAddr) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.byAddr[addr.String()]
	return name, ok
}

func (t *mediaTable) forget(name string) {
	t.mu.Lock()
	if addr, ok := t.byName[name]; ok {
		delete(t.byAddr, addr.String())
		delete(t.byName, name)
	}
	t.mu.Unlock()
}

// peers returns every registered address except the one named exclude.
func (t *mediaTable) peers(exclude string) []net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]net.Addr, 0, len(t.byName))
	for name, addr := range t.byName {
		if name == exclude {
			continue
		}
		result = append(result, addr)
	}
	return result
}

// StartMedia starts the UDP media relay: one receive loop feeding a
// bounded worker pool, one task per datagram.
func (s *Server) StartMedia() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.MediaAddr)
	if err != nil {
		return fmt.Errorf("server: resolve media addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("server: listen media: %w", err)
	}
	s.mediaConn = conn

	if err := conn.SetReadBuffer(1024 * 1024); err != nil {
		slog.Warn("failed to set UDP read buffer", "err", err)
	}
	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		slog.Warn("failed to set UDP write buffer", "err", err)
	}

	slog.Info("media relay listening", "addr", s.cfg.MediaAddr, "workers", s.cfg.UDPWorkers)

	packetCh := make(chan mediaPacket, packetQueueSize)
	for i := 0; i < s.cfg.UDPWorkers; i++ {
		go s.mediaWorker(packetCh)
	}
	go s.mediaReceiveLoop(packetCh)
	return nil
}

func (s *Server) mediaReceiveLoop(packetCh chan<- mediaPacket) {
	defer close(packetCh)
	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_ = s.mediaConn.SetReadDeadline(time.Now().Add(receiveTimeout))
		n, remoteAddr, err := s.mediaConn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("media read error", "err", err)
				continue
			}
		}

		s.metrics.MediaPacketsIn.Inc()
		s.metrics.MediaBytesIn.Add(float64(n))

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case packetCh <- mediaPacket{data: data, addr: remoteAddr}:
		default:
			s.metrics.MediaPacketsDropped.Inc()
			slog.Warn("media queue full, dropping packet", "from", remoteAddr)
		}
	}
}

func (s *Server) mediaWorker(packetCh <-chan mediaPacket) {
	for pkt := range packetCh {
		s.handleMediaPacket(pkt)
	}
}

// handleMediaPacket classifies one datagram: first contact registers the
// sender's display name, later packets carry a TEXT: or AUDIO: prefix and
// fan out to every other registered peer.
func (s *Server) handleMediaPacket(pkt mediaPacket) {
	sender, known := s.media.lookup(pkt.addr)
	if !known {
		name := strings.TrimSpace(string(pkt.data))
		if err := model.ValidateUsername(name); err != nil {
			s.metrics.MediaPacketsDropped.Inc()
			slog.Debug("media registration rejected", "from", pkt.addr, "err", err)
			return
		}
		s.media.register(pkt.addr, name)

		// Media registration doubles as the user's call endpoint.
		if sess, ok := s.sessions.Get(name); ok {
			sess.SetUDPEndpoint(model.UDPEndpoint{Addr: pkt.addr})
		}

		ack := fmt.Sprintf("Welcome %s (UDP)", name)
		if _, err := s.mediaConn.WriteToUDP([]byte(ack), pkt.addr); err != nil {
			slog.Debug("media ack failed", "to", pkt.addr, "err", err)
		}
		slog.Debug("media peer registered", "name", name, "addr", pkt.addr)
		return
	}

	payload := string(pkt.data)
	switch {
	case strings.HasPrefix(payload, protocol.TextPrefix):
		text := payload[len(protocol.TextPrefix):]
		out := []byte(fmt.Sprintf("%s[%s] %s", protocol.TextPrefix, sender, text))
		s.mediaFanOut(out, sender)

	case strings.HasPrefix(payload, protocol.AudioPrefix):
		s.mediaFanOut(pkt.data, sender)

	default:
		s.metrics.MediaPacketsDropped.Inc()
		slog.Debug("media packet with unknown prefix", "from", sender)
	}
}

// mediaFanOut forwards data to every registered peer except the sender.
func (s *Server) mediaFanOut(data []byte, sender string) {
	for _, addr := range s.media.peers(sender) {
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		if _, err := s.mediaConn.WriteToUDP(data, udpAddr); err != nil {
			s.metrics.MediaPacketsDropped.Inc()
			slog.Debug("media forward error", "to", addr, "err", err)
			continue
		}
		s.metrics.MediaPacketsOut.Inc()
		s.metrics.MediaBytesOut.Add(float64(len(data)))
	}
}
