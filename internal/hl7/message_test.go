package hl7

import (
	"strings"
	"testing"
	"time"
)

const testRDE = "MSH|^~\\&|VPMS|Main Clinic|Cubex|Cubex|20240115120000||RDE^O11^RDE_O11|1001|P|2.5\r" +
	"PID|1||12345||Smith^Fido\r" +
	"RXE|1^^^20240115120000|DRUG01^Amoxicillin|1||TAB"

func TestParseHeader(t *testing.T) {
	msg, err := Parse([]byte(testRDE))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if got := msg.SendingApplication(); got != "VPMS" {
		t.Errorf("sending application = %q", got)
	}
	if got := msg.ReceivingFacility(); got != "Cubex" {
		t.Errorf("receiving facility = %q", got)
	}
	if got := msg.TypeName(); got != "RDE_O11" {
		t.Errorf("type name = %q, want RDE_O11", got)
	}
	if got := msg.ControlID(); got != "1001" {
		t.Errorf("control ID = %q", got)
	}
	if got := msg.Version(); got != "2.5" {
		t.Errorf("version = %q", got)
	}
	if len(msg.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(msg.Segments))
	}
	if got := msg.Segment("PID").Component(5, 2); got != "Fido" {
		t.Errorf("PID-5.2 = %q", got)
	}
}

func TestParseAcceptsNewlines(t *testing.T) {
	raw := strings.ReplaceAll(testRDE, "\r", "\r\n")
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(msg.Segments) != 3 {
		t.Errorf("expected 3 segments, got %d", len(msg.Segments))
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "\r\r", "PID|1||12345", "MSH"} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestEncodeRoundTripsText(t *testing.T) {
	msg, err := Parse([]byte(testRDE))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got, want := string(msg.Encode()), testRDE+"\r"; got != want {
		t.Errorf("encode mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestSetHeaderFieldGrows(t *testing.T) {
	msg, err := Parse([]byte("MSH|^~\\&|A|B"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := msg.SetHeaderField(10, "42"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got := msg.ControlID(); got != "42" {
		t.Errorf("control ID = %q", got)
	}
	if err := msg.SetHeaderField(2, "x"); err == nil {
		t.Error("expected MSH-2 to be read-only")
	}
	if !strings.HasPrefix(string(msg.Encode()), "MSH|^~\\&|A|B||||||42") {
		t.Errorf("unexpected encoding %q", msg.Encode())
	}
}

func TestFormatForDisplay(t *testing.T) {
	got := FormatForDisplay([]byte("MSH|^~\\&\rMSA|AA|1\r"))
	if got != "MSH|^~\\&\nMSA|AA|1" {
		t.Errorf("display = %q", got)
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 30, 45, 123_000_000, time.FixedZone("AEST", 10*3600))

	cases := []struct {
		millis, zone bool
		want         string
	}{
		{false, false, "20240115123045"},
		{true, false, "20240115123045.123"},
		{false, true, "20240115123045+1000"},
		{true, true, "20240115123045.123+1000"},
	}
	for _, c := range cases {
		if got := FormatTimestamp(ts, c.millis, c.zone); got != c.want {
			t.Errorf("FormatTimestamp(millis=%v, zone=%v) = %q, want %q", c.millis, c.zone, got, c.want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("20240115123045.123+1000")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	want := time.Date(2024, 1, 15, 2, 30, 45, 123_000_000, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := ParseTimestamp("2024"); err == nil {
		t.Error("expected error for short timestamp")
	}
}

func TestStamp(t *testing.T) {
	msg, err := Parse([]byte(testRDE))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ts := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	err = Stamp(msg, HeaderOptions{
		ControlID:            "77",
		Timestamp:            ts,
		SendingApplication:   "OpenVPMS",
		ReceivingApplication: "Pharmacy",
		IncludeMillis:        true,
	})
	if err != nil {
		t.Fatalf("stamp failed: %v", err)
	}

	if got := msg.ControlID(); got != "77" {
		t.Errorf("control ID = %q", got)
	}
	if got := msg.SendingApplication(); got != "OpenVPMS" {
		t.Errorf("sending application = %q", got)
	}
	if got := msg.SendingFacility(); got != "Main Clinic" {
		t.Errorf("sending facility should be untouched, got %q", got)
	}
	if got := msg.ReceivingApplication(); got != "Pharmacy" {
		t.Errorf("receiving application = %q", got)
	}
	if got := msg.HeaderField(7); got != "20240201080000.000" {
		t.Errorf("MSH-7 = %q", got)
	}

	if err := Stamp(msg, HeaderOptions{}); err == nil {
		t.Error("expected error without control ID")
	}
}
