// Package protocol defines the wire formats shared by server and client:
// the line-oriented control protocol markers, the voice note framing
// embedded in the control stream, and the side channel codec.
package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// Control-stream markers. Call notifications keep their historical
// Spanish-language prefixes; existing clients match on them verbatim.
const (
	CallStartedPrefix = "LLAMADA_INICIADA:"
	CallEndedPrefix   = "LLAMADA_TERMINADA:"

	VoiceNoteStart      = "VOICE_NOTE_START"
	VoiceNoteEnd        = "VOICE_NOTE_END"
	VoiceNoteGroupStart = "VOICE_NOTE_GROUP_START"
	VoiceNoteGroupEnd   = "VOICE_NOTE_GROUP_END"
	VoiceNoteIncoming   = "VOICE_NOTE_INCOMING"

	DisconnectLine = "DISCONNECT"
)

// Datagram payload prefixes. The first packet from an address carries a
// bare display name; every later packet starts with one of these.
const (
	TextPrefix  = "TEXT:"
	AudioPrefix = "AUDIO:"
)

// CallStartedLine formats the notification sent to every call participant.
// peers maps username to "ip:port"; entries are sorted by username so the
// line is deterministic.
func CallStartedLine(callID string, peers map[string]string) string {
	names := make([]string, 0, len(peers))
	for name := range peers {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]string, 0, len(names))
	for _, name := range names {
		entries = append(entries, name+":"+peers[name])
	}
	return fmt.Sprintf("%s %s %s", CallStartedPrefix, callID, strings.Join(entries, ","))
}

// ParseCallStartedLine parses a call-started notification back into the
// call id and the username to endpoint map.
func ParseCallStartedLine(line string) (string, map[string]string, error) {
	rest, ok := strings.CutPrefix(line, CallStartedPrefix)
	if !ok {
		return "", nil, fmt.Errorf("protocol: not a call-started line: %q", line)
	}
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return "", nil, fmt.Errorf("protocol: malformed call-started line: %q", line)
	}
	callID := fields[0]

	peers := make(map[string]string)
	for _, entry := range strings.Split(fields[1], ",") {
		name, endpoint, found := strings.Cut(entry, ":")
		if !found || name == "" || endpoint == "" {
			return "", nil, fmt.Errorf("protocol: malformed peer entry: %q", entry)
		}
		peers[name] = endpoint
	}
	return callID, peers, nil
}

// CallEndedLine formats the notification sent when a call terminates.
func CallEndedLine(callID, endedBy string) string {
	return fmt.Sprintf("%s %s por %s", CallEndedPrefix, callID, endedBy)
}

// ParseCallEndedLine parses a call-ended notification into the call id
// and the user who ended it.
func ParseCallEndedLine(line string) (string, string, error) {
	rest, ok := strings.CutPrefix(line, CallEndedPrefix)
	if !ok {
		return "", "", fmt.Errorf("protocol: not a call-ended line: %q", line)
	}
	fields := strings.Fields(rest)
	if len(fields) != 3 || fields[1] != "por" {
		return "", "", fmt.Errorf("protocol: malformed call-ended line: %q", line)
	}
	return fields[0], fields[2], nil
}

// VoiceNoteIncomingLine formats the control-channel heads-up that a voice
// note from sender is about to arrive. endpoint is the sender's media
// address, or the control connection's remote address when no media
// endpoint is registered.
func VoiceNoteIncomingLine(sender, endpoint string) string {
	return fmt.Sprintf("%s from %s %s", VoiceNoteIncoming, sender, endpoint)
}
