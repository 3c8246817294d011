package hl7

import (
	"strings"
	"time"
)

// AckCode is an MSA-1 acknowledgment code.
type AckCode string

const (
	// AckAccept is application accept.
	AckAccept AckCode = "AA"
	// AckError is application error. The sender may retry.
	AckError AckCode = "AE"
	// AckReject is application reject.
	AckReject AckCode = "AR"
	// CommitAccept is enhanced-mode commit accept.
	CommitAccept AckCode = "CA"
	// CommitError is enhanced-mode commit error.
	CommitError AckCode = "CE"
	// CommitReject is enhanced-mode commit reject.
	CommitReject AckCode = "CR"
)

// Valid reports whether c is a known acknowledgment code.
func (c AckCode) Valid() bool {
	switch c {
	case AckAccept, AckError, AckReject, CommitAccept, CommitError, CommitReject:
		return true
	}
	return false
}

// Disposition is the delivery decision derived from a response.
type Disposition int

const (
	// Accept means the message was delivered.
	Accept Disposition = iota
	// RetryableError means the remote failed transiently; retry after a delay.
	RetryableError
	// TerminalError means the remote rejected the message permanently.
	TerminalError
	// Unsupported means the response was not an acknowledgment.
	Unsupported
)

func (d Disposition) String() string {
	switch d {
	case Accept:
		return "accept"
	case RetryableError:
		return "retryable_error"
	case TerminalError:
		return "terminal_error"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Terminal reports whether the disposition ends delivery of the message.
func (d Disposition) Terminal() bool {
	return d == Accept || d == TerminalError || d == Unsupported
}

// Classification is the outcome of interpreting a response.
type Classification struct {
	Disposition Disposition
	Code        AckCode
	Detail      string
}

// Err returns the error form of a failed classification, or nil on accept.
func (c Classification) Err() error {
	switch c.Disposition {
	case RetryableError:
		return &ApplicationNackError{Code: c.Code, Detail: c.Detail}
	case TerminalError:
		return &ApplicationRejectError{Code: c.Code, Detail: c.Detail}
	case Unsupported:
		return &UnsupportedResponseError{Detail: c.Detail}
	default:
		return nil
	}
}

// Classify interprets a response received for a sent message. Only AA
// accepts and only AE is retried; every other acknowledgment code is
// terminal. A response that is not an ACK is Unsupported.
func Classify(response []byte) Classification {
	msg, err := Parse(response)
	if err != nil {
		return unsupported("unknown", response)
	}
	if msg.MessageCode() != "ACK" {
		return unsupported(msg.TypeName(), response)
	}
	msa := msg.Segment("MSA")
	if msa == nil {
		return unsupported(msg.TypeName(), response)
	}

	code := AckCode(strings.TrimSpace(msa.Field(1)))
	switch code {
	case AckAccept:
		return Classification{Disposition: Accept, Code: code}
	case AckError:
		return Classification{Disposition: RetryableError, Code: code, Detail: ErrorDetail(msg)}
	default:
		return Classification{Disposition: TerminalError, Code: code, Detail: ErrorDetail(msg)}
	}
}

func unsupported(typeName string, response []byte) Classification {
	if typeName == "" {
		typeName = "unknown"
	}
	var b strings.Builder
	b.WriteString("Unsupported response: ")
	b.WriteString(typeName)
	b.WriteString("\nMessage: ")
	if len(response) == 0 {
		b.WriteString("unknown")
	} else {
		b.WriteString(FormatForDisplay(response))
	}
	return Classification{Disposition: Unsupported, Detail: b.String()}
}

// ErrorDetail builds operator-facing text from MSA-3 and any ERR segments.
// When the acknowledgment carries no detail the whole message is used.
func ErrorDetail(ack *Message) string {
	var lines []string
	if msa := ack.Segment("MSA"); msa != nil {
		if text := msa.Field(3); text != "" {
			lines = append(lines, text)
		}
	}
	for _, err := range ack.SegmentsNamed("ERR") {
		if code := formatCWE(err, 3); code != "" {
			lines = append(lines, "HL7 Error Code: "+code)
		}
		if code := formatCWE(err, 5); code != "" {
			lines = append(lines, "Application Error Code: "+code)
		}
		if diag := err.Field(7); diag != "" {
			lines = append(lines, "Diagnostic Information: "+diag)
		}
		if msg := err.Field(8); msg != "" {
			lines = append(lines, "User Message: "+msg)
		}
	}
	if len(lines) == 0 {
		return "Message body: " + FormatForDisplay(ack.Encode())
	}
	return strings.Join(lines, "\n")
}

// formatCWE renders a coded-with-exceptions field as "id - text", followed
// by the original text (CWE.9) on its own line when present.
func formatCWE(seg *Segment, field int) string {
	id, text := seg.Component(field, 1), seg.Component(field, 2)
	var result string
	switch {
	case id != "" && text != "":
		result = id + " - " + text
	case id != "":
		result = id
	case text != "":
		result = text
	default:
		return ""
	}
	if original := seg.Component(field, 9); original != "" {
		result += "\nOriginal Text: " + original
	}
	return result
}

// AckDetail describes an error carried back in an ERR segment.
type AckDetail struct {
	// Text is written to MSA-3.
	Text string
	// HL7ErrorCode and HL7ErrorText populate ERR-3 (table 0357).
	HL7ErrorCode string
	HL7ErrorText string
	// Severity is ERR-4: E, W or I.
	Severity string
	// Diagnostic is ERR-7.
	Diagnostic string
	// UserMessage is ERR-8.
	UserMessage string
}

// HL7 table 0357 codes used in generated acknowledgments.
const (
	ErrCodeUnsupportedMessageType = "200"
	ErrCodeUnsupportedEventCode   = "201"
	ErrCodeApplicationInternal    = "207"
)

// GenerateACK builds an acknowledgment for incoming. The ACK swaps sending
// and receiving application and facility and echoes the control ID in MSA-2.
func GenerateACK(incoming *Message, code AckCode, detail *AckDetail) *Message {
	now := time.Now()
	ack := NewMessage("ACK", incoming.TriggerEvent(), "ACK", incoming.Version())
	msh := ack.Segments[0]
	msh.SetField(3, incoming.ReceivingApplication())
	msh.SetField(4, incoming.ReceivingFacility())
	msh.SetField(5, incoming.SendingApplication())
	msh.SetField(6, incoming.SendingFacility())
	msh.SetField(7, FormatTimestamp(now, false, true))
	msh.SetField(10, "ACK"+now.Format("20060102150405.000"))
	if processing := incoming.HeaderField(11); processing != "" {
		msh.SetField(11, processing)
	}

	msa := ack.AddSegment("MSA")
	msa.SetField(1, string(code))
	msa.SetField(2, incoming.ControlID())

	if detail == nil {
		return ack
	}
	if detail.Text != "" {
		msa.SetField(3, detail.Text)
	}
	if detail.HL7ErrorCode != "" || detail.Diagnostic != "" || detail.UserMessage != "" {
		errSeg := ack.AddSegment("ERR")
		if detail.HL7ErrorCode != "" {
			errSeg.SetField(3, detail.HL7ErrorCode+componentSeparator+detail.HL7ErrorText+componentSeparator+"HL70357")
		}
		severity := detail.Severity
		if severity == "" {
			severity = "E"
		}
		errSeg.SetField(4, severity)
		if detail.Diagnostic != "" {
			errSeg.SetField(7, detail.Diagnostic)
		}
		if detail.UserMessage != "" {
			errSeg.SetField(8, detail.UserMessage)
		}
	}
	return ack
}
