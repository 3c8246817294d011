package memory

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vpms/hl7relay/internal/store"
)

func appendN(t *testing.T, s *Store, connectorID string, n int) []*store.Message {
	t.Helper()
	var out []*store.Message
	for i := 0; i < n; i++ {
		m := &store.Message{ConnectorID: connectorID, ControlID: string(rune('1' + i)), Payload: []byte("MSH|^~\\&")}
		if err := s.Append(context.Background(), m); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestNextPendingIsFIFOPerConnector(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := appendN(t, s, "a", 3)
	appendN(t, s, "b", 2)

	next, err := s.NextPending(ctx, "a")
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if next.ID != a[0].ID {
		t.Fatalf("expected %d, got %d", a[0].ID, next.ID)
	}

	if err := s.MarkAccepted(ctx, a[0].ID, time.Now()); err != nil {
		t.Fatalf("mark accepted failed: %v", err)
	}
	next, _ = s.NextPending(ctx, "a")
	if next.ID != a[1].ID {
		t.Errorf("expected %d after accept, got %d", a[1].ID, next.ID)
	}

	if n, _ := s.CountByStatus(ctx, "a", store.StatusPending); n != 2 {
		t.Errorf("pending count = %d, want 2", n)
	}
	if n, _ := s.CountByStatus(ctx, "b", store.StatusPending); n != 2 {
		t.Errorf("pending count for b = %d, want 2", n)
	}

	if next, _ := s.NextPending(ctx, "missing"); next != nil {
		t.Errorf("expected nil for unknown connector, got %+v", next)
	}
}

func TestMarkErrorTruncates(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := appendN(t, s, "a", 1)[0]

	long := strings.Repeat("x", store.MaxErrorLength+100)
	if err := s.MarkError(ctx, m.ID, store.StatusError, time.Now(), long); err != nil {
		t.Fatalf("mark error failed: %v", err)
	}
	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != store.StatusError {
		t.Errorf("status = %s", got.Status)
	}
	if len(got.Error) != store.MaxErrorLength {
		t.Errorf("error length = %d", len(got.Error))
	}

	if err := s.MarkAccepted(ctx, m.ID, time.Now()); err != nil {
		t.Fatalf("mark accepted failed: %v", err)
	}
	got, _ = s.Get(ctx, m.ID)
	if got.Error != "" {
		t.Errorf("accept should clear error, got %q", got.Error)
	}
}

func TestResubmitOnlyFromError(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := appendN(t, s, "a", 1)[0]

	if err := s.Resubmit(ctx, m.ID); !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("expected status conflict, got %v", err)
	}
	if err := s.MarkError(ctx, m.ID, store.StatusError, time.Now(), "AR"); err != nil {
		t.Fatalf("mark error failed: %v", err)
	}
	if err := s.Resubmit(ctx, m.ID); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	got, _ := s.Get(ctx, m.ID)
	if got.Status != store.StatusPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}

	if err := s.Resubmit(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestLastSequence(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []string{"5", "17", "abc", "9"} {
		if err := s.Append(ctx, &store.Message{ConnectorID: "a", ControlID: id}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	last, err := s.LastSequence(ctx)
	if err != nil {
		t.Fatalf("last sequence failed: %v", err)
	}
	if last != 17 {
		t.Errorf("last = %d, want 17", last)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	m := appendN(t, s, "a", 1)[0]

	got, _ := s.Get(ctx, m.ID)
	got.Status = store.StatusAccepted
	again, _ := s.Get(ctx, m.ID)
	if again.Status != store.StatusPending {
		t.Error("store state leaked through returned message")
	}
}

func TestPendingIndexTracksStatusChanges(t *testing.T) {
	ctx := context.Background()
	s := New()
	var msgs []*store.Message
	for i := 1; i <= 500; i++ {
		m := &store.Message{ConnectorID: "a", ControlID: strconv.Itoa(i), Payload: []byte("MSH|^~\\&")}
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		msgs = append(msgs, m)
	}
	for _, m := range msgs[:498] {
		if err := s.MarkAccepted(ctx, m.ID, time.Now()); err != nil {
			t.Fatalf("mark accepted failed: %v", err)
		}
	}

	next, _ := s.NextPending(ctx, "a")
	if next == nil || next.ID != msgs[498].ID {
		t.Fatalf("expected message %d next, got %+v", msgs[498].ID, next)
	}
	if n, _ := s.CountByStatus(ctx, "a", store.StatusPending); n != 2 {
		t.Fatalf("expected 2 pending, got %d", n)
	}

	if err := s.MarkError(ctx, msgs[498].ID, store.StatusError, time.Now(), "AR"); err != nil {
		t.Fatalf("mark error failed: %v", err)
	}
	next, _ = s.NextPending(ctx, "a")
	if next == nil || next.ID != msgs[499].ID {
		t.Fatalf("expected message %d after error, got %+v", msgs[499].ID, next)
	}

	// a resubmitted message goes back ahead of later ones
	if err := s.Resubmit(ctx, msgs[498].ID); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	next, _ = s.NextPending(ctx, "a")
	if next == nil || next.ID != msgs[498].ID {
		t.Fatalf("expected resubmitted message %d next, got %+v", msgs[498].ID, next)
	}
	if n, _ := s.CountByStatus(ctx, "a", store.StatusAccepted); n != 498 {
		t.Errorf("accepted count = %d, want 498", n)
	}
}
