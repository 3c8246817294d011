package hl7

import (
	"errors"
	"strings"
	"testing"
)

func ackWith(segments ...string) []byte {
	msh := "MSH|^~\\&|Cubex|Cubex|VPMS|Main Clinic|20240115120001||ACK^O11^ACK|A1|P|2.5"
	return []byte(strings.Join(append([]string{msh}, segments...), "\r"))
}

func TestClassifyAccept(t *testing.T) {
	c := Classify(ackWith("MSA|AA|1001"))
	if c.Disposition != Accept {
		t.Fatalf("disposition = %v, want accept", c.Disposition)
	}
	if c.Err() != nil {
		t.Errorf("expected nil error, got %v", c.Err())
	}
}

func TestClassifyApplicationError(t *testing.T) {
	c := Classify(ackWith("MSA|AE|1001|Database busy"))
	if c.Disposition != RetryableError {
		t.Fatalf("disposition = %v, want retryable", c.Disposition)
	}
	if c.Detail != "Database busy" {
		t.Errorf("detail = %q", c.Detail)
	}
	var nack *ApplicationNackError
	if !errors.As(c.Err(), &nack) {
		t.Errorf("expected ApplicationNackError, got %T", c.Err())
	}
}

func TestClassifyRejectIsTerminal(t *testing.T) {
	for _, code := range []string{"AR", "CA", "CE", "CR", "ZZ"} {
		c := Classify(ackWith("MSA|" + code + "|1001|nope"))
		if c.Disposition != TerminalError {
			t.Errorf("%s: disposition = %v, want terminal", code, c.Disposition)
		}
		var reject *ApplicationRejectError
		if !errors.As(c.Err(), &reject) {
			t.Errorf("%s: expected ApplicationRejectError, got %T", code, c.Err())
		}
	}
}

func TestClassifyUnsupportedResponse(t *testing.T) {
	echo := []byte(testRDE)
	c := Classify(echo)
	if c.Disposition != Unsupported {
		t.Fatalf("disposition = %v, want unsupported", c.Disposition)
	}
	want := "Unsupported response: RDE_O11\nMessage: " + strings.ReplaceAll(testRDE, "\r", "\n")
	if c.Detail != want {
		t.Errorf("detail mismatch\n got: %q\nwant: %q", c.Detail, want)
	}
	if !c.Disposition.Terminal() {
		t.Error("unsupported must be terminal")
	}

	garbage := Classify([]byte("hello"))
	if garbage.Disposition != Unsupported {
		t.Errorf("garbage disposition = %v", garbage.Disposition)
	}
	if !strings.HasPrefix(garbage.Detail, "Unsupported response: unknown\nMessage: hello") {
		t.Errorf("garbage detail = %q", garbage.Detail)
	}
}

func TestErrorDetailFromERR(t *testing.T) {
	c := Classify(ackWith(
		"MSA|AR|1001",
		"ERR||PID^1^3|204^Unknown key identifier^HL70357^^^^^^Patient not on file|E|X1^Bad patient||Lookup failed|Please register the patient",
	))
	want := strings.Join([]string{
		"HL7 Error Code: 204 - Unknown key identifier\nOriginal Text: Patient not on file",
		"Application Error Code: X1 - Bad patient",
		"Diagnostic Information: Lookup failed",
		"User Message: Please register the patient",
	}, "\n")
	if c.Detail != want {
		t.Errorf("detail mismatch\n got: %q\nwant: %q", c.Detail, want)
	}
}

func TestErrorDetailFallsBackToBody(t *testing.T) {
	c := Classify(ackWith("MSA|AE|1001"))
	if !strings.HasPrefix(c.Detail, "Message body: MSH|") {
		t.Errorf("detail = %q", c.Detail)
	}
	if strings.Contains(c.Detail, "\r") {
		t.Error("detail should use newlines")
	}
}

func TestGenerateACK(t *testing.T) {
	incoming, err := Parse([]byte(testRDE))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ack := GenerateACK(incoming, AckReject, &AckDetail{
		Text:         "Unrecognised application details",
		HL7ErrorCode: ErrCodeApplicationInternal,
		HL7ErrorText: "Application internal error",
	})

	if ack.MessageCode() != "ACK" || ack.TriggerEvent() != "O11" {
		t.Errorf("type = %s^%s", ack.MessageCode(), ack.TriggerEvent())
	}
	if ack.SendingApplication() != "Cubex" || ack.ReceivingApplication() != "VPMS" {
		t.Errorf("applications not swapped: %s -> %s", ack.SendingApplication(), ack.ReceivingApplication())
	}
	msa := ack.Segment("MSA")
	if msa.Field(1) != "AR" || msa.Field(2) != "1001" {
		t.Errorf("MSA = %v", msa.Fields)
	}

	c := Classify(ack.Encode())
	if c.Disposition != TerminalError {
		t.Errorf("round-trip disposition = %v", c.Disposition)
	}
	want := "Unrecognised application details\nHL7 Error Code: 207 - Application internal error"
	if c.Detail != want {
		t.Errorf("detail = %q, want %q", c.Detail, want)
	}
}
