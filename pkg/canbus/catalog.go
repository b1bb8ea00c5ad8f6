// Package canbus defines CAN message catalogs and the bit-level codec for
// packing physical signal values into frame payloads and back.
//
// A catalog plays the role a DBC file does in vehicle tooling: it names each
// frame, its arbitration ID, and the position, width, and scaling of every
// signal inside the payload. Catalogs load from JSON and can be hot reloaded
// while a bridge is running.
package canbus

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// Signal describes one value packed inside a CAN frame payload.
// Bits are counted LSB first from the start of the payload.
type Signal struct {
	Name      string  `json:"name"`
	StartBit  int     `json:"start_bit"`
	BitLength int     `json:"bit_length"`
	Factor    float64 `json:"factor"`
	Offset    float64 `json:"offset"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
}

// Message describes one CAN frame: its arbitration ID, payload length in
// bytes, and the signals packed into it.
type Message struct {
	ID      uint32
	Name    string
	Length  int
	Signals []Signal
}

type messageJSON struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Length  int      `json:"length"`
	Signals []Signal `json:"signals"`
}

// UnmarshalJSON accepts the catalog wire form, where IDs are hex strings
// such as "0x123".
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	id, err := ParseFrameID(raw.ID)
	if err != nil {
		return fmt.Errorf("message %s: %w", raw.Name, err)
	}
	m.ID = id
	m.Name = raw.Name
	m.Length = raw.Length
	m.Signals = raw.Signals
	return nil
}

// MarshalJSON renders the catalog wire form with hex string IDs.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:      FormatFrameID(m.ID),
		Name:    m.Name,
		Length:  m.Length,
		Signals: m.Signals,
	})
}

// ParseFrameID parses a CAN arbitration ID from its usual hex string form
// ("0x123"). Plain decimal strings are accepted too.
func ParseFrameID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid frame id %q: %w", s, err)
	}
	return uint32(id), nil
}

// FormatFrameID renders an arbitration ID as "0x123".
func FormatFrameID(id uint32) string {
	return fmt.Sprintf("0x%X", id)
}

// Validate checks that every signal fits inside the payload and that widths
// and scaling are usable. Factor zero is rewritten to 1 so omitted factors
// in hand-written catalogs do not divide by zero.
func (m *Message) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("message %s has no name", FormatFrameID(m.ID))
	}
	if m.Length <= 0 || m.Length > 64 {
		return fmt.Errorf("message %s: invalid payload length %d", m.Name, m.Length)
	}
	seen := make(map[string]bool, len(m.Signals))
	for i := range m.Signals {
		sig := &m.Signals[i]
		if sig.Name == "" {
			return fmt.Errorf("message %s: signal %d has no name", m.Name, i)
		}
		if seen[sig.Name] {
			return fmt.Errorf("message %s: duplicate signal %s", m.Name, sig.Name)
		}
		seen[sig.Name] = true
		if sig.BitLength <= 0 || sig.BitLength > 64 {
			return fmt.Errorf("message %s: signal %s has invalid bit length %d", m.Name, sig.Name, sig.BitLength)
		}
		if sig.StartBit < 0 || sig.StartBit+sig.BitLength > m.Length*8 {
			return fmt.Errorf("message %s: signal %s exceeds payload (%d bits)", m.Name, sig.Name, m.Length*8)
		}
		if sig.Factor == 0 {
			sig.Factor = 1
		}
	}
	return nil
}

// Catalog is a validated set of CAN messages indexed by arbitration ID and
// name. It is safe for concurrent use; Replace swaps the whole message set
// atomically, which is how hot reload works.
type Catalog struct {
	mu     sync.RWMutex
	byID   map[uint32]*Message
	byName map[string]*Message
	list   []Message
}

// New builds a catalog from messages, validating each one.
func New(messages ...Message) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(messages); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace validates messages and swaps them in as the catalog contents.
// On error the previous contents stay active.
func (c *Catalog) Replace(messages []Message) error {
	byID := make(map[uint32]*Message, len(messages))
	byName := make(map[string]*Message, len(messages))
	list := make([]Message, len(messages))
	copy(list, messages)
	for i := range list {
		msg := &list[i]
		if err := msg.Validate(); err != nil {
			return err
		}
		if _, dup := byID[msg.ID]; dup {
			return fmt.Errorf("duplicate message id %s", FormatFrameID(msg.ID))
		}
		if _, dup := byName[msg.Name]; dup {
			return fmt.Errorf("duplicate message name %s", msg.Name)
		}
		byID[msg.ID] = msg
		byName[msg.Name] = msg
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = byID
	c.byName = byName
	c.list = list
	return nil
}

// ByID looks a message up by arbitration ID.
func (c *Catalog) ByID(id uint32) (*Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[id]
	return m, ok
}

// ByName looks a message up by name.
func (c *Catalog) ByName(name string) (*Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byName[name]
	return m, ok
}

// Messages returns a copy of the catalog contents.
func (c *Catalog) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.list))
	copy(out, c.list)
	return out
}

// Len returns the number of messages in the catalog.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.list)
}

type catalogJSON struct {
	Messages []Message `json:"messages"`
}

// Load reads a catalog definition from a JSON file.
func Load(path string) ([]Message, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(b)
}

// Parse decodes a catalog definition from JSON bytes.
func Parse(b []byte) ([]Message, error) {
	var doc catalogJSON
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(doc.Messages) == 0 {
		return nil, fmt.Errorf("catalog defines no messages")
	}
	return doc.Messages, nil
}

// Default returns the built-in vehicle catalog: engine, driveline, and
// climate frames, eight bytes each.
func Default() *Catalog {
	c, err := New(
		Message{
			ID:     0x123,
			Name:   "EngineData",
			Length: 8,
			Signals: []Signal{
				{Name: "EngineSpeed", StartBit: 0, BitLength: 16, Factor: 1, Offset: 0, Min: 800, Max: 6000},
				{Name: "EngineTemp", StartBit: 16, BitLength: 8, Factor: 1, Offset: 0, Min: 60, Max: 120},
				{Name: "BatteryLevel", StartBit: 24, BitLength: 8, Factor: 1, Offset: 0, Min: 0, Max: 100},
			},
		},
		Message{
			ID:     0x124,
			Name:   "VehicleData",
			Length: 8,
			Signals: []Signal{
				{Name: "Speed", StartBit: 0, BitLength: 16, Factor: 1, Offset: 0, Min: 0, Max: 240},
				{Name: "GearPosition", StartBit: 16, BitLength: 8, Factor: 1, Offset: 0, Min: 1, Max: 6},
				{Name: "BatteryVoltage", StartBit: 24, BitLength: 16, Factor: 0.1, Offset: 0, Min: 360, Max: 420},
			},
		},
		Message{
			ID:     0x125,
			Name:   "ClimateControl",
			Length: 8,
			Signals: []Signal{
				{Name: "CabinTemp", StartBit: 0, BitLength: 8, Factor: 1, Offset: 0, Min: 10, Max: 35},
				{Name: "FanSpeed", StartBit: 8, BitLength: 8, Factor: 1, Offset: 0, Min: 0, Max: 5},
				{Name: "ACStatus", StartBit: 16, BitLength: 8, Factor: 1, Offset: 0, Min: 0, Max: 1},
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}
