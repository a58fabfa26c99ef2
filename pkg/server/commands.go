package server

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
	"github.com/Philipk84/tarea-chat-sub000/pkg/protocol"
)

// command binds a protocol verb to its handler. Handlers run on the
// sending connection's read goroutine, so per-connection command order is
// preserved; they validate their own arguments and send their own
// response lines.
type command struct {
	usage string
	help  string
	run   func(s *Server, sess *ClientSession, args string)
}

func buildCommandTable() map[string]command {
	return map[string]command{
		"/call":        {"/call <user>", "start a call with another user", (*Server).cmdCall},
		"/callgroup":   {"/callgroup <group>", "start a call with a group's online members", (*Server).cmdCallGroup},
		"/endcall":     {"/endcall [callId]", "end your current call", (*Server).cmdEndCall},
		"/creategroup": {"/creategroup <name>", "create a group and join it", (*Server).cmdCreateGroup},
		"/joingroup":   {"/joingroup <name>", "join a group (created on first reference)", (*Server).cmdJoinGroup},
		"/listgroups":  {"/listgroups", "list all groups", (*Server).cmdListGroups},
		"/listusers":   {"/listusers", "list online users", (*Server).cmdListUsers},
		"/msg":         {"/msg <user> <text>", "send a direct message", (*Server).cmdMsg},
		"/msggroup":    {"/msggroup <group> <text>", "send a message to a group", (*Server).cmdMsgGroup},
		"/udpport":     {"/udpport <port>", "register your UDP media endpoint", (*Server).cmdUDPPort},
		"/help":        {"/help", "show this help", (*Server).cmdHelp},
		"/quit":        {"/quit", "disconnect", (*Server).cmdQuit},
	}
}

// dispatchCommand routes one command line to its handler via the verb
// table. Unknown verbs are reported to the sender, never fatal.
func (s *Server) dispatchCommand(sess *ClientSession, line string) {
	verb, args, _ := strings.Cut(line, " ")
	cmd, ok := s.commands[verb]
	if !ok {
		_ = sess.SendLine(fmt.Sprintf("Error: unknown command %q. Type /help for the list.", verb))
		return
	}
	s.metrics.CommandsTotal.WithLabelValues(strings.TrimPrefix(verb, "/")).Inc()
	cmd.run(s, sess, strings.TrimSpace(args))
}

func (s *Server) cmdCall(sess *ClientSession, args string) {
	target := args
	if target == "" || strings.ContainsRune(target, ' ') {
		_ = sess.SendLine("Usage: /call <user>")
		return
	}
	if target == sess.Username {
		_ = sess.SendLine("Error: you cannot call yourself")
		return
	}
	if _, ok := s.sessions.UDPEndpoint(target); !ok {
		_ = sess.SendLine(fmt.Sprintf("Error: could not start call (%q is offline or has no UDP endpoint)", target))
		return
	}

	s.startCall(sess, model.CallIndividual, "", []string{sess.Username, target})
}

func (s *Server) cmdCallGroup(sess *ClientSession, args string) {
	group := args
	if group == "" {
		_ = sess.SendLine("Usage: /callgroup <group>")
		return
	}
	members, ok := s.groups.Members(group)
	if !ok {
		_ = sess.SendLine(fmt.Sprintf("Error: group %q does not exist", group))
		return
	}

	// The caller is always included; everyone else must be online with a
	// registered media endpoint.
	participants := []string{sess.Username}
	for _, name := range members {
		if name == sess.Username {
			continue
		}
		if _, ok := s.sessions.UDPEndpoint(name); ok {
			participants = append(participants, name)
		}
	}
	if len(participants) < 2 {
		_ = sess.SendLine(fmt.Sprintf("Error: could not start group call (no online member of %q has a UDP endpoint)", group))
		return
	}

	s.startCall(sess, model.CallGroup, group, participants)
}

// startCall creates the call, notifies every participant with the peer
// endpoint map, and emits bridge and history events. A failed send to one
// participant never aborts notification of the rest.
func (s *Server) startCall(sess *ClientSession, scope model.CallScope, group string, participants []string) {
	call, err := s.calls.Create(scope, sess.Username, group, participants)
	if err != nil {
		_ = sess.SendLine("Error: could not start call: " + err.Error())
		return
	}

	peers := make(map[string]string, len(participants))
	for _, name := range participants {
		if ep, ok := s.sessions.UDPEndpoint(name); ok {
			peers[name] = ep.String()
		}
	}

	line := protocol.CallStartedLine(call.ID, peers)
	for _, name := range participants {
		target, ok := s.sessions.Get(name)
		if !ok {
			continue
		}
		if err := target.SendLine(line); err != nil {
			slog.Warn("call notification failed", "call", call.ID, "user", name, "err", err)
		}
		if name != sess.Username {
			s.bridge.Notify(name, model.NewEvent(model.EventCallIncoming, sess.Username, map[string]any{
				"call_id": call.ID,
				"scope":   call.Scope.String(),
				"group":   group,
			}))
		}
	}
	_ = s.calls.Activate(call.ID)

	s.metrics.CallsStarted.Inc()
	s.metrics.ActiveCalls.Inc()
	s.record(model.NewEvent(model.EventCallStarted, sess.Username, map[string]any{
		"call_id":      call.ID,
		"scope":        call.Scope.String(),
		"group":        group,
		"participants": participants,
	}))
	for _, name := range participants {
		s.bridge.Notify(name, model.NewEvent(model.EventCallStarted, sess.Username, map[string]any{
			"call_id": call.ID,
			"peers":   peers,
		}))
	}
}

func (s *Server) cmdEndCall(sess *ClientSession, args string) {
	callID := args
	if callID == "" {
		id, ok := s.calls.CallOf(sess.Username)
		if !ok {
			_ = sess.SendLine("Error: you are not in a call")
			return
		}
		callID = id
	}

	s.endCall(callID, sess.Username)
}

// endCall terminates a call and notifies its final participant set.
// endedBy is the user credited on the termination line.
func (s *Server) endCall(callID, endedBy string) {
	participants, call, ok := s.calls.End(callID)
	if !ok {
		if sess, online := s.sessions.Get(endedBy); online {
			_ = sess.SendLine(fmt.Sprintf("Error: call %q not found", callID))
		}
		return
	}

	line := protocol.CallEndedLine(callID, endedBy)
	for _, name := range participants {
		if target, ok := s.sessions.Get(name); ok {
			_ = target.SendLine(line)
		}
		s.bridge.Notify(name, model.NewEvent(model.EventCallEnded, endedBy, map[string]any{
			"call_id": callID,
		}))
	}

	s.metrics.CallsEnded.Inc()
	s.metrics.ActiveCalls.Dec()
	s.record(model.NewEvent(model.EventCallEnded, endedBy, map[string]any{
		"call_id":      callID,
		"scope":        call.Scope.String(),
		"participants": participants,
	}))
}

func (s *Server) cmdCreateGroup(sess *ClientSession, args string) {
	name := args
	if err := model.ValidateGroupName(name); err != nil {
		_ = sess.SendLine("Error: " + err.Error())
		return
	}
	if s.groups.CreateOrJoin(name, sess.Username) {
		_ = sess.SendLine(fmt.Sprintf("Group %q created", name))
	} else {
		_ = sess.SendLine(fmt.Sprintf("Group %q already exists; you are now a member", name))
	}
}

func (s *Server) cmdJoinGroup(sess *ClientSession, args string) {
	name := args
	if err := model.ValidateGroupName(name); err != nil {
		_ = sess.SendLine("Error: " + err.Error())
		return
	}
	s.groups.CreateOrJoin(name, sess.Username)
	_ = sess.SendLine(fmt.Sprintf("Joined group %q", name))
}

func (s *Server) cmdListGroups(sess *ClientSession, _ string) {
	names := s.groups.Names()
	if len(names) == 0 {
		_ = sess.SendLine("No groups yet")
		return
	}
	_ = sess.SendLine("Groups: " + strings.Join(names, ", "))
}

func (s *Server) cmdListUsers(sess *ClientSession, _ string) {
	_ = sess.SendLine("Online users: " + strings.Join(s.sessions.Usernames(), ", "))
}

func (s *Server) cmdMsg(sess *ClientSession, args string) {
	target, text, ok := strings.Cut(args, " ")
	text = strings.TrimSpace(text)
	if !ok || target == "" || text == "" {
		_ = sess.SendLine("Usage: /msg <user> <text>")
		return
	}

	recipient, online := s.sessions.Get(target)
	if !online {
		_ = sess.SendLine(fmt.Sprintf("Error: user %q is not online", target))
		return
	}
	if err := recipient.SendLine(fmt.Sprintf("[%s]: %s", sess.Username, text)); err != nil {
		_ = sess.SendLine(fmt.Sprintf("Error: could not deliver message to %q", target))
		return
	}
	_ = sess.SendLine(fmt.Sprintf("Message sent to %q", target))

	s.metrics.TextMessages.Inc()
	s.bridge.Notify(target, model.NewEvent(model.EventTextMessage, sess.Username, map[string]any{
		"to":   target,
		"text": text,
	}))
	s.record(model.NewEvent(model.EventTextMessage, sess.Username, map[string]any{
		"to": target,
	}))
}

func (s *Server) cmdMsgGroup(sess *ClientSession, args string) {
	group, text, ok := strings.Cut(args, " ")
	text = strings.TrimSpace(text)
	if !ok || group == "" || text == "" {
		_ = sess.SendLine("Usage: /msggroup <group> <text>")
		return
	}

	members, exists := s.groups.Members(group)
	if !exists {
		_ = sess.SendLine(fmt.Sprintf("Error: group %q does not exist", group))
		return
	}

	line := fmt.Sprintf("[%s @ %s]: %s", sess.Username, group, text)
	delivered := 0
	for _, name := range members {
		if name == sess.Username {
			continue
		}
		recipient, online := s.sessions.Get(name)
		if !online {
			continue
		}
		if err := recipient.SendLine(line); err != nil {
			continue
		}
		delivered++
		s.bridge.Notify(name, model.NewEvent(model.EventGroupMessage, sess.Username, map[string]any{
			"group": group,
			"text":  text,
		}))
	}
	_ = sess.SendLine(fmt.Sprintf("Message sent to group %q (%d delivered)", group, delivered))

	s.metrics.GroupMessages.Add(float64(delivered))
	s.record(model.NewEvent(model.EventGroupMessage, sess.Username, map[string]any{
		"group":     group,
		"delivered": delivered,
	}))
}

func (s *Server) cmdUDPPort(sess *ClientSession, args string) {
	port, err := strconv.Atoi(args)
	if err != nil || port < 1 || port > 65535 {
		_ = sess.SendLine("Usage: /udpport <port> (1-65535)")
		return
	}

	host, _, err := net.SplitHostPort(sess.RemoteAddr().String())
	if err != nil {
		_ = sess.SendLine("Error: could not determine your address")
		return
	}
	ep := model.UDPEndpoint{Addr: &net.UDPAddr{IP: net.ParseIP(host), Port: port}}
	sess.SetUDPEndpoint(ep)
	_ = sess.SendLine("UDP endpoint registered: " + ep.String())
}

func (s *Server) cmdHelp(sess *ClientSession, _ string) {
	verbs := make([]string, 0, len(s.commands))
	for verb := range s.commands {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)

	var b strings.Builder
	b.WriteString("Available commands:")
	for _, verb := range verbs {
		cmd := s.commands[verb]
		fmt.Fprintf(&b, "\n  %-26s %s", cmd.usage, cmd.help)
	}
	_ = sess.SendLine(b.String())
}

func (s *Server) cmdQuit(sess *ClientSession, _ string) {
	_ = sess.SendLine("Goodbye")
	_ = sess.SendLine(protocol.DisconnectLine)
	sess.Close()
}
