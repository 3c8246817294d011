// Package hl7 provides a minimal HL7v2 ER7 (pipe-delimited) message model.
// It reads and rewrites header fields, interprets acknowledgments and builds
// ACK responses. It is not a typed segment grammar: field content other than
// the header and acknowledgment segments is carried through unchanged.
package hl7

import (
	"fmt"
	"strings"
	"time"
)

const (
	fieldSeparator     = "|"
	componentSeparator = "^"
	repetitionSep      = "~"

	// DefaultEncodingCharacters is the MSH-2 value used for generated messages.
	DefaultEncodingCharacters = `^~\&`

	// SegmentTerminator separates segments on the wire.
	SegmentTerminator = "\r"
)

// Message is a parsed HL7v2 message.
type Message struct {
	Segments []*Segment
}

// Segment is a single HL7v2 segment.
//
// Fields are stored 1-based by position: Fields[0] is field 1. For MSH this
// means Fields[0] is MSH-1 (the field separator) and Fields[1] is MSH-2.
type Segment struct {
	Name   string
	Fields []string
}

// Parse parses raw ER7 text. Segments may be separated by \r, \n or \r\n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}
	return msg, nil
}

func parseSegment(line string) (*Segment, error) {
	if len(line) < 3 {
		return nil, fmt.Errorf("segment too short: %q", line)
	}

	if strings.HasPrefix(line, "MSH") {
		if len(line) < 8 || line[3:4] != fieldSeparator {
			return nil, fmt.Errorf("malformed MSH segment: %q", line)
		}
		parts := strings.Split(line[4:], fieldSeparator)
		if !strings.HasPrefix(parts[0], componentSeparator+repetitionSep) {
			return nil, fmt.Errorf("unsupported encoding characters %q", parts[0])
		}
		return &Segment{Name: "MSH", Fields: append([]string{fieldSeparator}, parts...)}, nil
	}

	parts := strings.SplitN(line, fieldSeparator, 2)
	seg := &Segment{Name: parts[0]}
	if len(parts) > 1 {
		seg.Fields = strings.Split(parts[1], fieldSeparator)
	}
	return seg, nil
}

// NewMessage creates a message with an MSH segment carrying the given type.
func NewMessage(code, trigger, structure, version string) *Message {
	msh := &Segment{Name: "MSH", Fields: []string{fieldSeparator, DefaultEncodingCharacters}}
	typ := code + componentSeparator + trigger
	if structure != "" {
		typ += componentSeparator + structure
	}
	msh.SetField(9, typ)
	msh.SetField(11, "P")
	msh.SetField(12, version)
	return &Message{Segments: []*Segment{msh}}
}

// AddSegment appends a new segment and returns it.
func (m *Message) AddSegment(name string) *Segment {
	seg := &Segment{Name: name}
	m.Segments = append(m.Segments, seg)
	return seg
}

// Encode renders the message as ER7 with \r segment terminators.
func (m *Message) Encode() []byte {
	var b strings.Builder
	for i, seg := range m.Segments {
		if i > 0 {
			b.WriteString(SegmentTerminator)
		}
		b.WriteString(seg.encode())
	}
	b.WriteString(SegmentTerminator)
	return []byte(b.String())
}

func (s *Segment) encode() string {
	if s.Name == "MSH" {
		if len(s.Fields) == 0 {
			return "MSH" + fieldSeparator
		}
		return "MSH" + s.Fields[0] + strings.Join(s.Fields[1:], fieldSeparator)
	}
	if len(s.Fields) == 0 {
		return s.Name
	}
	return s.Name + fieldSeparator + strings.Join(s.Fields, fieldSeparator)
}

// Segment returns the first segment with the given name, or nil.
func (m *Message) Segment(name string) *Segment {
	for _, seg := range m.Segments {
		if seg.Name == name {
			return seg
		}
	}
	return nil
}

// SegmentsNamed returns all segments with the given name, in order.
func (m *Message) SegmentsNamed(name string) []*Segment {
	var result []*Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Field returns field n (1-based), or "" if absent.
func (s *Segment) Field(n int) string {
	if n < 1 || n > len(s.Fields) {
		return ""
	}
	return s.Fields[n-1]
}

// Component returns component c (1-based) of the first repetition of field n.
func (s *Segment) Component(n, c int) string {
	value := s.Field(n)
	if value == "" || c < 1 {
		return ""
	}
	if i := strings.Index(value, repetitionSep); i >= 0 && s.Name != "MSH" {
		value = value[:i]
	}
	comps := strings.Split(value, componentSeparator)
	if c > len(comps) {
		return ""
	}
	return comps[c-1]
}

// SetField sets field n (1-based), growing the segment as required.
func (s *Segment) SetField(n int, value string) {
	if n < 1 {
		return
	}
	for len(s.Fields) < n {
		s.Fields = append(s.Fields, "")
	}
	s.Fields[n-1] = value
}

func (m *Message) header() *Segment {
	if len(m.Segments) == 0 || m.Segments[0].Name != "MSH" {
		return &Segment{Name: "MSH"}
	}
	return m.Segments[0]
}

// HeaderField returns MSH-n.
func (m *Message) HeaderField(n int) string {
	return m.header().Field(n)
}

// SetHeaderField sets MSH-n. MSH-1 and MSH-2 cannot be changed.
func (m *Message) SetHeaderField(n int, value string) error {
	if n <= 2 {
		return fmt.Errorf("hl7: MSH-%d is not writable", n)
	}
	if len(m.Segments) == 0 || m.Segments[0].Name != "MSH" {
		return fmt.Errorf("hl7: message has no MSH segment")
	}
	m.Segments[0].SetField(n, value)
	return nil
}

// SendingApplication returns MSH-3.
func (m *Message) SendingApplication() string { return m.HeaderField(3) }

// SendingFacility returns MSH-4.
func (m *Message) SendingFacility() string { return m.HeaderField(4) }

// ReceivingApplication returns MSH-5.
func (m *Message) ReceivingApplication() string { return m.HeaderField(5) }

// ReceivingFacility returns MSH-6.
func (m *Message) ReceivingFacility() string { return m.HeaderField(6) }

// MessageCode returns MSH-9.1, e.g. "RDE".
func (m *Message) MessageCode() string { return m.header().Component(9, 1) }

// TriggerEvent returns MSH-9.2, e.g. "O11".
func (m *Message) TriggerEvent() string { return m.header().Component(9, 2) }

// ControlID returns MSH-10.
func (m *Message) ControlID() string { return m.HeaderField(10) }

// Version returns MSH-12.
func (m *Message) Version() string { return m.HeaderField(12) }

// TypeName returns the message type as "<code>_<trigger>", e.g. "RDE_O11".
func (m *Message) TypeName() string {
	code, trigger := m.MessageCode(), m.TriggerEvent()
	if trigger == "" {
		return code
	}
	return code + "_" + trigger
}

// Timestamp returns the parsed MSH-7 value, or the zero time.
func (m *Message) Timestamp() time.Time {
	t, err := ParseTimestamp(m.HeaderField(7))
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatForDisplay renders encoded message text with one segment per line.
func FormatForDisplay(raw []byte) string {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	return strings.TrimRight(strings.ReplaceAll(text, "\r", "\n"), "\n")
}
