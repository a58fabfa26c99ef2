package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Philipk84/tarea-chat-sub000/pkg/datastore"
	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// recordConn captures everything written to it so tests can assert on
// response lines and delivered frames.
type recordConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	remote string
}

func (c *recordConn) Read(_ []byte) (int, error) { return 0, io.EOF }
func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}
func (c *recordConn) Close() error { return nil }
func (c *recordConn) LocalAddr() net.Addr {
	return fakeAddr("127.0.0.1:9500")
}
func (c *recordConn) RemoteAddr() net.Addr {
	if c.remote == "" {
		return fakeAddr("10.0.0.1:40000")
	}
	return fakeAddr(c.remote)
}
func (c *recordConn) SetDeadline(_ time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(_ time.Time) error { return nil }

func (c *recordConn) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(DefaultConfig(), Dependencies{})
}

// addSession registers a user backed by a recordConn.
func addSession(t *testing.T, s *Server, name string) (*ClientSession, *recordConn) {
	t.Helper()
	conn := &recordConn{}
	sess := newClientSession(name, conn)
	if replaced := s.sessions.Register(sess); replaced != nil {
		t.Fatalf("unexpected replaced session for %s", name)
	}
	return sess, conn
}

func withEndpoint(t *testing.T, sess *ClientSession, addr string, port int) {
	t.Helper()
	sess.SetUDPEndpoint(model.UDPEndpoint{Addr: &net.UDPAddr{IP: net.ParseIP(addr), Port: port}})
}

func TestSessionRegistryReplaceAndRemove(t *testing.T) {
	s := newTestServer(t)

	first := newClientSession("alice", &recordConn{})
	if replaced := s.sessions.Register(first); replaced != nil {
		t.Fatalf("fresh register returned replaced session")
	}

	second := newClientSession("alice", &recordConn{})
	if replaced := s.sessions.Register(second); replaced != first {
		t.Fatalf("expected first session to be replaced")
	}

	// The replaced session's teardown must not evict the newcomer.
	if s.sessions.Remove(first) {
		t.Fatal("removing a replaced session should be a no-op")
	}
	if !s.sessions.IsOnline("alice") {
		t.Fatal("alice should still be online via the second session")
	}
	if !s.sessions.Remove(second) {
		t.Fatal("removing the current session should succeed")
	}
	if s.sessions.Remove(second) {
		t.Fatal("second removal should report nothing removed")
	}
}

func TestGroupRegistryIdempotentJoin(t *testing.T) {
	g := NewGroupRegistry()

	if !g.CreateOrJoin("team", "alice") {
		t.Fatal("first reference should create the group")
	}
	if g.CreateOrJoin("team", "alice") {
		t.Fatal("second join should not re-create the group")
	}
	g.CreateOrJoin("team", "alice")

	members, ok := g.Members("team")
	if !ok {
		t.Fatal("group should exist")
	}
	if len(members) != 1 || members[0] != "alice" {
		t.Fatalf("members = %v, want [alice]", members)
	}

	if _, ok := g.Members("nope"); ok {
		t.Fatal("unknown group should report not found")
	}
}

func TestCallRegistryEndClearsIndex(t *testing.T) {
	r := NewCallRegistry()

	call, err := r.Create(model.CallIndividual, "alice", "", []string{"alice", "bob", "bob"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := r.Participants(call.ID); len(got) != 2 {
		t.Fatalf("duplicate participants should collapse: %v", got)
	}

	participants, _, ok := r.End(call.ID)
	if !ok {
		t.Fatal("End should find the call")
	}
	if len(participants) != 2 {
		t.Fatalf("final participants = %v", participants)
	}

	if got := r.Participants(call.ID); got == nil || len(got) != 0 {
		t.Fatalf("Participants after End = %v, want empty non-nil", got)
	}
	for _, name := range []string{"alice", "bob"} {
		if _, ok := r.CallOf(name); ok {
			t.Errorf("%s still indexed after End", name)
		}
	}

	if _, _, ok := r.End(call.ID); ok {
		t.Fatal("ending an unknown call should report ok=false")
	}
}

func TestCallRegistryAcceptLateJoiner(t *testing.T) {
	r := NewCallRegistry()

	call, err := r.Create(model.CallGroup, "alice", "team", []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Accept(call.ID, "carol"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := r.Participants(call.ID); len(got) != 3 {
		t.Fatalf("participants = %v", got)
	}
	if id, ok := r.CallOf("carol"); !ok || id != call.ID {
		t.Fatalf("carol indexed to %q, ok=%v", id, ok)
	}
	// accepting again is a no-op, not an error
	if err := r.Accept(call.ID, "carol"); err != nil {
		t.Fatalf("re-accept: %v", err)
	}

	other, err := r.Create(model.CallIndividual, "dave", "", []string{"dave", "erin"})
	if err != nil {
		t.Fatalf("Create second call: %v", err)
	}
	if err := r.Accept(other.ID, "carol"); err == nil {
		t.Fatal("accepting while in another call should fail")
	}
	if err := r.Accept("missing", "frank"); err == nil {
		t.Fatal("accepting an unknown call should fail")
	}
}

func TestCallRegistryRejectsDoubleBooking(t *testing.T) {
	r := NewCallRegistry()

	if _, err := r.Create(model.CallIndividual, "alice", "", []string{"alice", "bob"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(model.CallIndividual, "carol", "", []string{"carol", "bob"}); err == nil {
		t.Fatal("second call including bob should fail")
	}
	if _, ok := r.CallOf("carol"); ok {
		t.Fatal("failed creation must not leave carol indexed")
	}
}

func TestIndividualCallPolicy(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := addSession(t, s, "alice")
	withEndpoint(t, alice, "10.0.0.1", 7000)
	addSession(t, s, "bob") // online, no UDP endpoint
	carol, carolConn := addSession(t, s, "carol")
	withEndpoint(t, carol, "10.0.0.3", 7002)

	// bob lacks an endpoint: no call may be created
	s.dispatchCommand(alice, "/call bob")
	if !strings.Contains(aliceConn.output(), "Error: could not start call") {
		t.Fatalf("expected failure line, got %q", aliceConn.output())
	}
	if _, ok := s.calls.CallOf("alice"); ok {
		t.Fatal("failed call must not create state")
	}

	// offline user: same failure
	s.dispatchCommand(alice, "/call dave")
	if _, ok := s.calls.CallOf("alice"); ok {
		t.Fatal("call to offline user must not create state")
	}

	// carol qualifies
	s.dispatchCommand(alice, "/call carol")
	callID, ok := s.calls.CallOf("alice")
	if !ok {
		t.Fatal("expected a call with carol")
	}
	got := s.calls.Participants(callID)
	if len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
		t.Fatalf("participants = %v, want [alice carol]", got)
	}
	call, _ := s.calls.Get(callID)
	if call.State != model.CallActive {
		t.Fatalf("call state = %v, want active", call.State)
	}

	// both parties got the peer map
	for name, out := range map[string]string{"alice": aliceConn.output(), "carol": carolConn.output()} {
		if !strings.Contains(out, protocol.CallStartedPrefix) {
			t.Errorf("%s missing call-started line: %q", name, out)
		}
		if !strings.Contains(out, "carol:10.0.0.3:7002") {
			t.Errorf("%s missing carol endpoint: %q", name, out)
		}
	}
}

func TestGroupCallPolicy(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := addSession(t, s, "alice")
	withEndpoint(t, alice, "10.0.0.1", 7000)
	addSession(t, s, "bob") // online, no endpoint
	carol, _ := addSession(t, s, "carol")
	withEndpoint(t, carol, "10.0.0.3", 7002)

	s.groups.CreateOrJoin("team", "bob")
	s.groups.CreateOrJoin("team", "carol")

	s.dispatchCommand(alice, "/callgroup team")
	callID, ok := s.calls.CallOf("alice")
	if !ok {
		t.Fatal("group call should have been created")
	}
	got := s.calls.Participants(callID)
	if len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
		t.Fatalf("participants = %v, want [alice carol]", got)
	}

	// end it, then drain carol's qualification and retry: no member left
	s.dispatchCommand(alice, "/endcall")
	if s.calls.Count() != 0 {
		t.Fatal("call should be gone after /endcall")
	}
	carol.SetUDPEndpoint(model.UDPEndpoint{})
	s.dispatchCommand(alice, "/callgroup team")
	if _, ok := s.calls.CallOf("alice"); ok {
		t.Fatal("group call with no qualifying member should fail")
	}
	if !strings.Contains(aliceConn.output(), "Error: could not start group call") {
		t.Fatalf("expected group-call failure line, got %q", aliceConn.output())
	}
}

func TestEndCallNotifiesParticipants(t *testing.T) {
	s := newTestServer(t)
	alice, _ := addSession(t, s, "alice")
	withEndpoint(t, alice, "10.0.0.1", 7000)
	carol, carolConn := addSession(t, s, "carol")
	withEndpoint(t, carol, "10.0.0.3", 7002)

	s.dispatchCommand(alice, "/call carol")
	callID, _ := s.calls.CallOf("alice")

	s.dispatchCommand(alice, "/endcall "+callID)
	if !strings.Contains(carolConn.output(), protocol.CallEndedLine(callID, "alice")) {
		t.Fatalf("carol missing call-ended line: %q", carolConn.output())
	}
	if got := s.calls.Participants(callID); len(got) != 0 {
		t.Fatalf("participants after end = %v", got)
	}
}

func TestEndCallWhenNotInCall(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := addSession(t, s, "alice")

	s.dispatchCommand(alice, "/endcall")
	if !strings.Contains(aliceConn.output(), "Error: you are not in a call") {
		t.Fatalf("got %q", aliceConn.output())
	}
}

func TestDisconnectMidCall(t *testing.T) {
	t.Run("individual call auto-ends", func(t *testing.T) {
		s := newTestServer(t)
		alice, aliceConn := addSession(t, s, "alice")
		withEndpoint(t, alice, "10.0.0.1", 7000)
		carol, _ := addSession(t, s, "carol")
		withEndpoint(t, carol, "10.0.0.3", 7002)

		s.dispatchCommand(alice, "/call carol")
		callID, _ := s.calls.CallOf("carol")

		s.teardownSession(carol)
		if s.sessions.IsOnline("carol") {
			t.Fatal("carol should be gone from the session registry")
		}
		if got := s.calls.Participants(callID); len(got) != 0 {
			t.Fatalf("individual call should end on disconnect, participants = %v", got)
		}
		if !strings.Contains(aliceConn.output(), protocol.CallEndedPrefix) {
			t.Fatalf("alice missing termination notice: %q", aliceConn.output())
		}
	})

	t.Run("group call keeps running", func(t *testing.T) {
		s := newTestServer(t)
		alice, _ := addSession(t, s, "alice")
		withEndpoint(t, alice, "10.0.0.1", 7000)
		bob, _ := addSession(t, s, "bob")
		withEndpoint(t, bob, "10.0.0.2", 7001)
		carol, _ := addSession(t, s, "carol")
		withEndpoint(t, carol, "10.0.0.3", 7002)

		s.groups.CreateOrJoin("team", "bob")
		s.groups.CreateOrJoin("team", "carol")
		s.dispatchCommand(alice, "/callgroup team")
		callID, _ := s.calls.CallOf("alice")

		s.teardownSession(bob)
		got := s.calls.Participants(callID)
		if len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
			t.Fatalf("participants after bob left = %v", got)
		}
		if _, ok := s.calls.CallOf("bob"); ok {
			t.Fatal("bob should be deindexed after disconnect")
		}

		// dropping below two participants ends the call
		s.teardownSession(carol)
		if s.calls.Count() != 0 {
			t.Fatal("group call should end once fewer than two remain")
		}
	})
}

func TestCallLifecycleRecordedInHistory(t *testing.T) {
	store := datastore.NewMemoryStore()
	s := New(DefaultConfig(), Dependencies{History: store})
	alice, _ := addSession(t, s, "alice")
	withEndpoint(t, alice, "10.0.0.1", 7000)
	carol, _ := addSession(t, s, "carol")
	withEndpoint(t, carol, "10.0.0.3", 7002)

	s.dispatchCommand(alice, "/call carol")
	callID, ok := s.calls.CallOf("alice")
	if !ok {
		t.Fatal("call should have been created")
	}
	s.dispatchCommand(alice, "/endcall")

	ctx := context.Background()
	started, err := store.ListEvents(ctx, datastore.EventFilters{Type: model.EventCallStarted})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(started) != 1 {
		t.Fatalf("call_started records = %d, want 1", len(started))
	}
	if started[0].User != "alice" || started[0].Data["call_id"] != callID {
		t.Fatalf("call_started record = %+v", started[0])
	}

	ended, err := store.ListEvents(ctx, datastore.EventFilters{Type: model.EventCallEnded})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(ended) != 1 {
		t.Fatalf("call_ended records = %d, want 1", len(ended))
	}
	if ended[0].Data["call_id"] != callID {
		t.Fatalf("call_ended record = %+v", ended[0])
	}
}

func TestMsgGroupFanOutExcludesSender(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := addSession(t, s, "alice")
	_, bobConn := addSession(t, s, "bob")

	s.groups.CreateOrJoin("team", "alice")
	s.groups.CreateOrJoin("team", "bob")
	s.groups.CreateOrJoin("team", "carol") // carol is down

	s.dispatchCommand(alice, "/msggroup team hello there")

	if !strings.Contains(aliceConn.output(), `Message sent to group "team" (1 delivered)`) {
		t.Fatalf("sender report wrong: %q", aliceConn.output())
	}
	if !strings.Contains(bobConn.output(), "[alice @ team]: hello there") {
		t.Fatalf("bob missing message: %q", bobConn.output())
	}
	if strings.Contains(aliceConn.output(), "[alice @ team]") {
		t.Fatal("sender must not receive its own group message")
	}
}

func TestMsgDirect(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := addSession(t, s, "alice")
	_, bobConn := addSession(t, s, "bob")

	s.dispatchCommand(alice, "/msg bob hi bob")
	if !strings.Contains(bobConn.output(), "[alice]: hi bob") {
		t.Fatalf("bob missing message: %q", bobConn.output())
	}
	if !strings.Contains(aliceConn.output(), `Message sent to "bob"`) {
		t.Fatalf("sender confirmation missing: %q", aliceConn.output())
	}

	s.dispatchCommand(alice, "/msg nobody hi")
	if !strings.Contains(aliceConn.output(), `Error: user "nobody" is not online`) {
		t.Fatalf("offline error missing: %q", aliceConn.output())
	}
}

func TestUnknownCommandReported(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := addSession(t, s, "alice")

	s.dispatchCommand(alice, "/frobnicate now")
	if !strings.Contains(aliceConn.output(), "Error: unknown command") {
		t.Fatalf("got %q", aliceConn.output())
	}
}

func TestUDPPortRegistersEndpoint(t *testing.T) {
	s := newTestServer(t)
	conn := &recordConn{remote: "10.0.0.5:52000"}
	alice := newClientSession("alice", conn)
	s.sessions.Register(alice)

	s.dispatchCommand(alice, "/udpport 7000")
	ep, ok := s.sessions.UDPEndpoint("alice")
	if !ok {
		t.Fatal("endpoint should be registered")
	}
	if ep.String() != "10.0.0.5:7000" {
		t.Fatalf("endpoint = %q, want 10.0.0.5:7000", ep.String())
	}

	s.dispatchCommand(alice, "/udpport 99999")
	if !strings.Contains(conn.output(), "Usage: /udpport") {
		t.Fatalf("out-of-range port should print usage: %q", conn.output())
	}
}

func TestVoiceNoteControlChannelFallback(t *testing.T) {
	s := newTestServer(t)
	alice, _ := addSession(t, s, "alice")
	withEndpoint(t, alice, "10.0.0.1", 7000)
	_, daveConn := addSession(t, s, "dave")

	hdr := &protocol.FrameHeader{Target: "dave", Size: 5}
	s.deliverVoiceNote(alice, hdr, []byte("HELLO"))

	out := daveConn.output()
	if !strings.Contains(out, "VOICE_NOTE_INCOMING from alice 10.0.0.1:7000") {
		t.Fatalf("heads-up line missing: %q", out)
	}

	// skip the heads-up line, then parse the embedded frame
	idx := strings.Index(out, "\n")
	br := bufio.NewReader(strings.NewReader(out[idx+1:]))
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	fh, isFrame, err := protocol.ParseFrameHeader(strings.TrimSpace(line))
	if err != nil || !isFrame {
		t.Fatalf("frame header %q: isFrame=%v err=%v", line, isFrame, err)
	}
	if fh.Target != "alice" || fh.Size != 5 {
		t.Fatalf("delivery header = %+v", fh)
	}
	payload, err := protocol.ReadFramePayload(br, fh)
	if err != nil {
		t.Fatalf("ReadFramePayload: %v", err)
	}
	if string(payload) != "HELLO" {
		t.Fatalf("payload = %q, want HELLO", payload)
	}
}

func TestVoiceNoteSideChannelDelivery(t *testing.T) {
	s := newTestServer(t)
	alice, _ := addSession(t, s, "alice")
	dave, _ := addSession(t, s, "dave")

	serverEnd, clientEnd := net.Pipe()
	defer serverEnd.Close()
	defer clientEnd.Close()
	dave.SetSideChannel(serverEnd)

	type result struct {
		hdr     *protocol.VoiceHeader
		payload []byte
		err     error
	}
	got := make(chan result, 1)
	go func() {
		hdr, payload, err := protocol.ReadVoiceNote(clientEnd)
		got <- result{hdr, payload, err}
	}()

	s.deliverVoiceNote(alice, &protocol.FrameHeader{Target: "dave", Size: 5}, []byte("HELLO"))

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("ReadVoiceNote: %v", r.err)
		}
		if r.hdr.Sender != "alice" || r.hdr.Target != "dave" {
			t.Fatalf("header = %+v", r.hdr)
		}
		if string(r.payload) != "HELLO" {
			t.Fatalf("payload = %q, want exactly HELLO", r.payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("side channel delivery timed out")
	}
}

func TestGroupVoiceNoteFallbackCarriesSender(t *testing.T) {
	s := newTestServer(t)
	alice, _ := addSession(t, s, "alice")
	_, bobConn := addSession(t, s, "bob")
	s.groups.CreateOrJoin("team", "alice")
	s.groups.CreateOrJoin("team", "bob")

	s.deliverVoiceNote(alice, &protocol.FrameHeader{Group: "team", Size: 5}, []byte("HELLO"))

	out := bobConn.output()
	idx := strings.Index(out, "\n")
	br := bufio.NewReader(strings.NewReader(out[idx+1:]))
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	fh, isFrame, err := protocol.ParseFrameHeader(strings.TrimSpace(line))
	if err != nil || !isFrame {
		t.Fatalf("frame header %q: isFrame=%v err=%v", line, isFrame, err)
	}
	if fh.Target != "alice" || fh.Group != "" {
		t.Fatalf("fallback header = %+v, want sender in the target slot", fh)
	}
	payload, err := protocol.ReadFramePayload(br, fh)
	if err != nil {
		t.Fatalf("ReadFramePayload: %v", err)
	}
	if string(payload) != "HELLO" {
		t.Fatalf("payload = %q, want HELLO", payload)
	}
}

func TestVoiceNoteToUnknownGroup(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := addSession(t, s, "alice")

	s.deliverVoiceNote(alice, &protocol.FrameHeader{Group: "nope", Size: 3}, []byte("abc"))
	if !strings.Contains(aliceConn.output(), `Error: group "nope" does not exist`) {
		t.Fatalf("got %q", aliceConn.output())
	}
}

func TestCreateAndJoinGroupCommands(t *testing.T) {
	s := newTestServer(t)
	alice, aliceConn := addSession(t, s, "alice")
	bob, _ := addSession(t, s, "bob")

	s.dispatchCommand(alice, "/creategroup team")
	if !strings.Contains(aliceConn.output(), `Group "team" created`) {
		t.Fatalf("got %q", aliceConn.output())
	}
	s.dispatchCommand(bob, "/joingroup team")
	members, _ := s.groups.Members("team")
	if len(members) != 2 {
		t.Fatalf("members = %v", members)
	}

	s.dispatchCommand(alice, "/creategroup bad name")
	if !strings.Contains(aliceConn.output(), "Error:") {
		t.Fatal("invalid group name should be rejected")
	}
	if s.groups.Exists("bad") {
		t.Fatal("invalid name must not create a group")
	}
}
