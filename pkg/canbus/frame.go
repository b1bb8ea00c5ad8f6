package canbus

import (
	"encoding/json"
	"fmt"
)

// Frame is the JSON shape one CAN frame takes on the message bus: the
// arbitration ID as a hex string, the message name, the raw payload as an
// array of byte values, and optionally the already-decoded physical signals.
type Frame struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Data    []int              `json:"data,omitempty"`
	Signals map[string]float64 `json:"signals,omitempty"`
}

// ParseFrame decodes a bus payload into a Frame and checks the parts a
// decoder depends on.
func ParseFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if f.ID == "" && f.Name == "" {
		return nil, fmt.Errorf("parse frame: no id or name")
	}
	if len(f.Signals) == 0 && len(f.Data) == 0 {
		return nil, fmt.Errorf("parse frame: no signals or data")
	}
	for i, v := range f.Data {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("parse frame: data[%d]=%d out of byte range", i, v)
		}
	}
	return &f, nil
}

// FrameID parses the frame's arbitration ID. Zero with ok=false when the
// frame carries no ID.
func (f *Frame) FrameID() (uint32, bool) {
	if f.ID == "" {
		return 0, false
	}
	id, err := ParseFrameID(f.ID)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Payload returns the raw frame bytes.
func (f *Frame) Payload() []byte {
	out := make([]byte, len(f.Data))
	for i, v := range f.Data {
		out[i] = byte(v)
	}
	return out
}

// NewFrame packs physical values into the bus wire form for a message.
func NewFrame(msg *Message, signals map[string]float64) (*Frame, error) {
	payload, err := Pack(msg, signals)
	if err != nil {
		return nil, err
	}
	data := make([]int, len(payload))
	for i, b := range payload {
		data[i] = int(b)
	}
	return &Frame{
		ID:      FormatFrameID(msg.ID),
		Name:    msg.Name,
		Data:    data,
		Signals: signals,
	}, nil
}

// Encode renders the frame as JSON for publishing.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
