package server

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

// ClientSession is the server-side state for one registered user: the
// control connection, the optional UDP media endpoint, and the optional
// voice side channel.
type ClientSession struct {
	Username string

	conn    net.Conn
	writeMu sync.Mutex // serializes control-channel writes

	mu   sync.RWMutex // guards udp and side
	udp  model.UDPEndpoint
	side net.Conn

	sideWriteMu sync.Mutex // serializes side-channel writes
}

func newClientSession(username string, conn net.Conn) *ClientSession {
	return &ClientSession{Username: username, conn: conn}
}

// SendLine writes one newline-terminated line to the control channel.
func (c *ClientSession) SendLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		return fmt.Errorf("server: send line to %s: %w", c.Username, err)
	}
	return nil
}

// SendFrame writes a voice note frame over the control channel. Used as
// the delivery fallback when the recipient has no side channel.
func (c *ClientSession) SendFrame(hdr *protocol.FrameHeader, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, hdr, payload)
}

// SendVoiceNote writes a voice note over the side channel.
func (c *ClientSession) SendVoiceNote(hdr *protocol.VoiceHeader, payload []byte) error {
	c.mu.RLock()
	side := c.side
	c.mu.RUnlock()
	if side == nil {
		return fmt.Errorf("server: %s has no side channel", c.Username)
	}

	c.sideWriteMu.Lock()
	defer c.sideWriteMu.Unlock()
	return protocol.WriteVoiceNote(side, hdr, payload)
}

// RemoteAddr returns the control connection's remote address.
func (c *ClientSession) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetUDPEndpoint records the user's media endpoint.
func (c *ClientSession) SetUDPEndpoint(ep model.UDPEndpoint) {
	c.mu.Lock()
	c.udp = ep
	c.mu.Unlock()
}

// UDPEndpoint returns the registered media endpoint (may be invalid).
func (c *ClientSession) UDPEndpoint() model.UDPEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.udp
}

// SetSideChannel installs a new side channel and returns the replaced
// connection, if any, so the caller can close it.
func (c *ClientSession) SetSideChannel(conn net.Conn) (old net.Conn) {
	c.mu.Lock()
	old = c.side
	c.side = conn
	c.mu.Unlock()
	return old
}

// ClearSideChannel removes the side channel only if conn is still the
// current one, so a replaced channel's teardown cannot clobber its
// successor.
func (c *ClientSession) ClearSideChannel(conn net.Conn) {
	c.mu.Lock()
	if c.side == conn {
		c.side = nil
	}
	c.mu.Unlock()
}

// HasSideChannel reports whether a side channel is currently attached.
func (c *ClientSession) HasSideChannel() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.side != nil
}

// Close tears down both connections.
func (c *ClientSession) Close() {
	_ = c.conn.Close()
	c.mu.Lock()
	side := c.side
	c.side = nil
	c.mu.Unlock()
	if side != nil {
		_ = side.Close()
	}
}

// SessionRegistry maps usernames to live sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*ClientSession),
	}
}

// Register stores the session, replacing any prior session under the
// same name. The replaced session is returned so the caller can notify
// and close it.
func (r *SessionRegistry) Register(sess *ClientSession) (replaced *ClientSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced = r.sessions[sess.Username]
	r.sessions[sess.Username] = sess
	return replaced
}

// Remove deletes the registration only if sess is still the current
// session for its name. Returns whether anything was removed, which lets
// disconnect handlers run their cleanup exactly once and keeps a replaced
// session's teardown from evicting its successor.
func (r *SessionRegistry) Remove(sess *ClientSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[sess.Username]; ok && cur == sess {
		delete(r.sessions, sess.Username)
		return true
	}
	return false
}

// Get retrieves a session by username.
func (r *SessionRegistry) Get(username string) (*ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[username]
	return sess, ok
}

// IsOnline reports whether the user has a live session.
func (r *SessionRegistry) IsOnline(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[username]
	return ok
}

// UDPEndpoint returns the user's registered media endpoint.
func (r *SessionRegistry) UDPEndpoint(username string) (model.UDPEndpoint, bool) {
	sess, ok := r.Get(username)
	if !ok {
		return model.UDPEndpoint{}, false
	}
	ep := sess.UDPEndpoint()
	return ep, ep.Valid()
}

// Usernames returns all online usernames, sorted.
func (r *SessionRegistry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of all sessions.
func (r *SessionRegistry) All() []*ClientSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*ClientSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		result = append(result, sess)
	}
	return result
}
