package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxVoiceNoteSize bounds a single voice note payload (10 MiB).
const MaxVoiceNoteSize = 10 << 20

// ErrBadEndMarker reports that a voice note payload was read in full but
// the trailing end marker line was missing or wrong. The payload is still
// usable; callers may treat this as a warning.
var ErrBadEndMarker = errors.New("protocol: missing voice note end marker")

// FrameHeader describes a voice note frame embedded in the control stream.
// For direct notes Target holds the recipient username; for group notes
// Group holds the group name and Target is empty.
type FrameHeader struct {
	Target string
	Group  string
	Size   int
}

// ParseFrameHeader inspects a control-stream line. It returns (nil, false,
// nil) when the line is not a frame start, (hdr, true, nil) for a valid
// header, and (nil, true, err) for a line that starts a frame but is
// malformed.
func ParseFrameHeader(line string) (*FrameHeader, bool, error) {
	switch {
	case strings.HasPrefix(line, VoiceNoteGroupStart+" "):
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, true, fmt.Errorf("protocol: malformed frame header: %q", line)
		}
		size, err := parseFrameSize(fields[2])
		if err != nil {
			return nil, true, err
		}
		return &FrameHeader{Group: fields[1], Size: size}, true, nil

	case strings.HasPrefix(line, VoiceNoteStart+" "):
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, true, fmt.Errorf("protocol: malformed frame header: %q", line)
		}
		size, err := parseFrameSize(fields[2])
		if err != nil {
			return nil, true, err
		}
		return &FrameHeader{Target: fields[1], Size: size}, true, nil
	}
	return nil, false, nil
}

func parseFrameSize(s string) (int, error) {
	size, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("protocol: bad frame size %q: %w", s, err)
	}
	if size < 0 || size > MaxVoiceNoteSize {
		return 0, fmt.Errorf("protocol: frame size %d out of range", size)
	}
	return size, nil
}

// ReadFramePayload reads exactly hdr.Size payload bytes followed by the
// end marker line. Senders sometimes emit a blank line before the marker;
// one is tolerated. A wrong or missing marker returns the payload together
// with ErrBadEndMarker.
func ReadFramePayload(br *bufio.Reader, hdr *FrameHeader) ([]byte, error) {
	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}

	want := VoiceNoteEnd
	if hdr.Group != "" {
		want = VoiceNoteGroupEnd
	}

	line, err := br.ReadString('\n')
	if err != nil {
		return payload, ErrBadEndMarker
	}
	if strings.TrimSpace(line) == "" {
		line, err = br.ReadString('\n')
		if err != nil {
			return payload, ErrBadEndMarker
		}
	}
	if strings.TrimSpace(line) != want {
		return payload, ErrBadEndMarker
	}
	return payload, nil
}

// WriteFrame writes a voice note frame to w in the control-stream format:
// header line, raw payload, end marker line.
func WriteFrame(w io.Writer, hdr *FrameHeader, payload []byte) error {
	var start string
	var end string
	if hdr.Group != "" {
		start = fmt.Sprintf("%s %s %d\n", VoiceNoteGroupStart, hdr.Group, len(payload))
		end = VoiceNoteGroupEnd + "\n"
	} else {
		start = fmt.Sprintf("%s %s %d\n", VoiceNoteStart, hdr.Target, len(payload))
		end = VoiceNoteEnd + "\n"
	}

	if _, err := io.WriteString(w, start); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}
	if _, err := io.WriteString(w, end); err != nil {
		return fmt.Errorf("protocol: write frame end: %w", err)
	}
	return nil
}
