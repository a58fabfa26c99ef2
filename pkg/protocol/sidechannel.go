package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxVoiceHeader is the maximum serialized voice note header size.
const MaxVoiceHeader = 4096

// VoiceHeader describes a voice note travelling over the dedicated side
// channel. Exactly one of Target or Group is set.
type VoiceHeader struct {
	Sender string `json:"sender"`
	Target string `json:"target,omitempty"`
	Group  string `json:"group,omitempty"`
	Size   int    `json:"size"`
}

// WriteVoiceNote writes a voice note to the side channel.
// Format: [4-byte big-endian header length][JSON header][raw payload]
func WriteVoiceNote(w io.Writer, hdr *VoiceHeader, payload []byte) error {
	hdr.Size = len(payload)
	data, err := json.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("protocol: marshal voice header: %w", err)
	}
	if len(data) > MaxVoiceHeader {
		return fmt.Errorf("protocol: voice header too large: %d bytes", len(data))
	}
	if len(payload) > MaxVoiceNoteSize {
		return fmt.Errorf("protocol: voice note too large: %d bytes", len(payload))
	}

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data))) //nolint:gosec // length already bounds-checked above
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("protocol: write header length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadVoiceNote reads a voice note from the side channel.
func ReadVoiceNote(r io.Reader) (*VoiceHeader, []byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, nil, fmt.Errorf("protocol: read header length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxVoiceHeader {
		return nil, nil, fmt.Errorf("protocol: voice header too large: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, nil, fmt.Errorf("protocol: read header: %w", err)
	}

	hdr := &VoiceHeader{}
	if err := json.Unmarshal(data, hdr); err != nil {
		return nil, nil, fmt.Errorf("protocol: unmarshal voice header: %w", err)
	}
	if hdr.Size < 0 || hdr.Size > MaxVoiceNoteSize {
		return nil, nil, fmt.Errorf("protocol: voice note size %d out of range", hdr.Size)
	}

	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, fmt.Errorf("protocol: read payload: %w", err)
	}
	return hdr, payload, nil
}
