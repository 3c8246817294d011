package hl7

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	timestampLayout = "20060102150405"
	millisLayout    = ".000"
	zoneLayout      = "-0700"
)

// FormatTimestamp renders t as an HL7 DTM value.
func FormatTimestamp(t time.Time, includeMillis, includeTimeZone bool) string {
	layout := timestampLayout
	if includeMillis {
		layout += millisLayout
	}
	if includeTimeZone {
		layout += zoneLayout
	}
	return t.Format(layout)
}

// ParseTimestamp parses an HL7 DTM value with optional fractional seconds
// and zone offset. Values without an offset are read as local time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("hl7: empty timestamp")
	}

	zone := ""
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		s, zone = s[:i], s[i:]
	}

	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s, frac = s[:i], s[i:]
	}

	var layout string
	switch len(s) {
	case 14:
		layout = timestampLayout
	case 12:
		layout = "200601021504"
	case 8:
		layout = "20060102"
	default:
		return time.Time{}, fmt.Errorf("hl7: unrecognized timestamp format: %q", s)
	}

	loc := time.Local
	if zone != "" {
		if len(zone) != 5 {
			return time.Time{}, fmt.Errorf("hl7: invalid zone offset %q", zone)
		}
		offset, err := time.Parse(zoneLayout, zone)
		if err != nil {
			return time.Time{}, fmt.Errorf("hl7: invalid zone offset %q: %w", zone, err)
		}
		_, secs := offset.Zone()
		loc = time.FixedZone("", secs)
	}

	t, err := time.ParseInLocation(layout, s, loc)
	if err != nil {
		return time.Time{}, err
	}
	if frac != "" && len(frac) > 1 {
		digits := frac[1:]
		if len(digits) > 9 {
			digits = digits[:9]
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return time.Time{}, fmt.Errorf("hl7: invalid fractional seconds %q", frac)
		}
		for i := len(digits); i < 9; i++ {
			n *= 10
		}
		t = t.Add(time.Duration(n))
	}
	return t, nil
}

// HeaderOptions are the per-connector values written into MSH when a
// message is queued for delivery.
type HeaderOptions struct {
	ControlID            string
	Timestamp            time.Time
	SendingApplication   string
	SendingFacility      string
	ReceivingApplication string
	ReceivingFacility    string
	IncludeMillis        bool
	IncludeTimeZone      bool
}

// Stamp writes MSH-3 to MSH-7 and MSH-10. Empty application and facility
// values leave the existing fields untouched.
func Stamp(m *Message, opts HeaderOptions) error {
	if opts.ControlID == "" {
		return fmt.Errorf("hl7: control ID is required")
	}
	values := map[int]string{
		3: opts.SendingApplication,
		4: opts.SendingFacility,
		5: opts.ReceivingApplication,
		6: opts.ReceivingFacility,
	}
	for n := 3; n <= 6; n++ {
		if values[n] == "" {
			continue
		}
		if err := m.SetHeaderField(n, values[n]); err != nil {
			return err
		}
	}

	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := m.SetHeaderField(7, FormatTimestamp(ts, opts.IncludeMillis, opts.IncludeTimeZone)); err != nil {
		return err
	}
	return m.SetHeaderField(10, opts.ControlID)
}
