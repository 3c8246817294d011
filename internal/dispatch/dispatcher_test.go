package dispatch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vpms/hl7relay/internal/connector"
	"github.com/vpms/hl7relay/internal/hl7"
	"github.com/vpms/hl7relay/internal/store"
	"github.com/vpms/hl7relay/internal/store/memory"
)

const testOrder = "MSH|^~\\&|||||20240115120000||RDE^O11^RDE_O11|0|P|2.5\r" +
	"PID|1||12345||Smith^Fido\r" +
	"RXO|DRUG01^Amoxicillin"

type responder func(n int, msg *hl7.Message) ([]byte, error)

type fakeTransport struct {
	mu          sync.Mutex
	sent        []string
	times       []time.Time
	respond     responder
	inFlight    int32
	maxInFlight int32
}

func (f *fakeTransport) SendAndReceive(ctx context.Context, payload []byte, c connector.Connector) ([]byte, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}

	msg, err := hl7.Parse(payload)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	n := len(f.sent)
	f.sent = append(f.sent, msg.ControlID())
	f.times = append(f.times, time.Now())
	f.mu.Unlock()

	if f.respond == nil {
		return ack(msg, hl7.AckAccept, ""), nil
	}
	return f.respond(n, msg)
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func ack(msg *hl7.Message, code hl7.AckCode, text string) []byte {
	var detail *hl7.AckDetail
	if text != "" {
		detail = &hl7.AckDetail{Text: text}
	}
	return hl7.GenerateACK(msg, code, detail).Encode()
}

func pharmacy() connector.Connector {
	return connector.Connector{
		ID:                   "pharmacy",
		Kind:                 connector.KindSender,
		Host:                 "127.0.0.1",
		Port:                 2575,
		SendingApplication:   "VPMS",
		SendingFacility:      "Main Clinic",
		ReceivingApplication: "Cubex",
		ReceivingFacility:    "Pharmacy",
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RetryDelay = 200 * time.Millisecond
	cfg.MetricsInterval = 0
	return cfg
}

func newTestDispatcher(t *testing.T, transport Transport, cfg Config, connectors ...connector.Connector) (*Dispatcher, *memory.Store, *connector.Registry) {
	t.Helper()
	reg, err := connector.NewRegistry(connectors...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	st := memory.New()
	d, err := New(st, transport, reg, cfg, nil, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, st, reg
}

func start(t *testing.T, d *Dispatcher) {
	t.Helper()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(d.Stop)
}

func enqueueN(t *testing.T, d *Dispatcher, n int) []*store.Message {
	t.Helper()
	var out []*store.Message
	for i := 0; i < n; i++ {
		m, err := d.Enqueue(context.Background(), []byte(testOrder), "pharmacy", "vet")
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func allStatus(st *memory.Store, status store.Status) func() bool {
	return func() bool {
		for _, m := range st.List("pharmacy") {
			if m.Status != status {
				return false
			}
		}
		return true
	}
}

func controlIDs(msgs []*store.Message) []string {
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.ControlID)
	}
	return ids
}

func TestDeliversInOrder(t *testing.T) {
	transport := &fakeTransport{}
	d, st, _ := newTestDispatcher(t, transport, testConfig(), pharmacy())
	start(t, d)

	msgs := enqueueN(t, d, 10)
	waitFor(t, "all accepted", allStatus(st, store.StatusAccepted))

	want := controlIDs(msgs)
	got := transport.Sent()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("send order = %v, want %v", got, want)
	}
	if max := atomic.LoadInt32(&transport.maxInFlight); max != 1 {
		t.Errorf("max in flight = %d, want 1", max)
	}

	stats, err := d.Statistics(context.Background(), "pharmacy")
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Queued != 0 || stats.Errors != 0 || stats.LastProcessed == nil {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSuspendHoldsMessagesUntilResume(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	d, st, _ := newTestDispatcher(t, transport, testConfig(), pharmacy())

	enqueueN(t, d, 1)
	if err := d.Suspend(ctx, "pharmacy"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	start(t, d)
	msgs := append(st.List("pharmacy"), enqueueN(t, d, 9)...)

	time.Sleep(100 * time.Millisecond)
	if sent := transport.Sent(); len(sent) != 0 {
		t.Fatalf("sent %d messages while suspended", len(sent))
	}
	stats, err := d.Statistics(ctx, "pharmacy")
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Queued != 10 {
		t.Errorf("queued = %d, want 10", stats.Queued)
	}
	if !stats.Suspended || stats.State != "suspended" {
		t.Errorf("stats = %+v", stats)
	}

	if err := d.Resume(ctx, "pharmacy"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "all accepted", allStatus(st, store.StatusAccepted))

	if got, want := strings.Join(transport.Sent(), ","), strings.Join(controlIDs(msgs), ","); got != want {
		t.Errorf("send order = %s, want %s", got, want)
	}
}

func TestTransportFailuresRetrySameMessage(t *testing.T) {
	var (
		st       *memory.Store
		observed store.Message
	)
	transport := &fakeTransport{}
	transport.respond = func(n int, msg *hl7.Message) ([]byte, error) {
		if n < 3 {
			return nil, &TransportError{Connector: "pharmacy", Op: "dial", Err: errors.New("connection refused")}
		}
		if n == 3 {
			m, _ := st.Get(context.Background(), 1)
			observed = *m
		}
		return ack(msg, hl7.AckAccept, ""), nil
	}
	d, st, _ := newTestDispatcher(t, transport, testConfig(), pharmacy())

	msgs := enqueueN(t, d, 2)
	start(t, d)
	waitFor(t, "all accepted", allStatus(st, store.StatusAccepted))

	first, second := msgs[0].ControlID, msgs[1].ControlID
	want := []string{first, first, first, first, second}
	if got := transport.Sent(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("send order = %v, want %v", got, want)
	}
	if observed.Status != store.StatusPending {
		t.Errorf("status during failures = %s, want PENDING", observed.Status)
	}
	if !strings.Contains(observed.Error, "connection refused") {
		t.Errorf("error during failures = %q", observed.Error)
	}

	final, _ := st.Get(context.Background(), msgs[0].ID)
	if final.Error != "" {
		t.Errorf("accept should clear error, got %q", final.Error)
	}
}

func TestApplicationErrorWaitsBeforeRetry(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	transport.respond = func(n int, msg *hl7.Message) ([]byte, error) {
		if n == 0 {
			return ack(msg, hl7.AckError, "Database busy"), nil
		}
		return ack(msg, hl7.AckAccept, ""), nil
	}
	cfg := testConfig()
	d, st, _ := newTestDispatcher(t, transport, cfg, pharmacy())

	msgs := enqueueN(t, d, 1)
	start(t, d)

	var stats Statistics
	waitFor(t, "retry delay", func() bool {
		stats, _ = d.Statistics(ctx, "pharmacy")
		return stats.WaitUntil != nil
	})
	if stats.LastErrorMessage != "Database busy" || stats.Queued != 1 {
		t.Errorf("stats after AE = %+v", stats)
	}
	if len(transport.Sent()) != 1 {
		t.Errorf("sent %v before the retry delay elapsed", transport.Sent())
	}

	m, _ := st.Get(ctx, msgs[0].ID)
	if m.Status != store.StatusPending || m.Error != "Database busy" {
		t.Errorf("after AE: status=%s error=%q", m.Status, m.Error)
	}

	waitFor(t, "accepted", allStatus(st, store.StatusAccepted))

	transport.mu.Lock()
	gap := transport.times[1].Sub(transport.times[0])
	transport.mu.Unlock()
	if gap < cfg.RetryDelay {
		t.Errorf("retried after %v, want at least %v", gap, cfg.RetryDelay)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	transport.respond = func(n int, msg *hl7.Message) ([]byte, error) {
		if n == 0 {
			return ack(msg, hl7.AckReject, "Unknown drug"), nil
		}
		return ack(msg, hl7.AckAccept, ""), nil
	}
	d, st, _ := newTestDispatcher(t, transport, testConfig(), pharmacy())

	msgs := enqueueN(t, d, 3)
	start(t, d)

	waitFor(t, "remaining accepted", func() bool {
		m, _ := st.Get(ctx, msgs[2].ID)
		return m.Status == store.StatusAccepted
	})
	time.Sleep(50 * time.Millisecond)

	rejected, _ := st.Get(ctx, msgs[0].ID)
	if rejected.Status != store.StatusError || rejected.Error != "Unknown drug" {
		t.Errorf("rejected message: status=%s error=%q", rejected.Status, rejected.Error)
	}
	if got := transport.Sent(); len(got) != 3 || got[0] != msgs[0].ControlID {
		t.Errorf("rejected message must not be retried, sent %v", got)
	}

	stats, _ := d.Statistics(ctx, "pharmacy")
	if stats.Errors != 1 || stats.Queued != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestUnsupportedResponseIsTerminal(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	transport.respond = func(n int, msg *hl7.Message) ([]byte, error) {
		return msg.Encode(), nil
	}
	d, st, _ := newTestDispatcher(t, transport, testConfig(), pharmacy())

	msgs := enqueueN(t, d, 1)
	start(t, d)
	waitFor(t, "error", allStatus(st, store.StatusError))

	m, _ := st.Get(ctx, msgs[0].ID)
	if !strings.HasPrefix(m.Error, "Unsupported response: RDE_O11\nMessage: MSH|") {
		t.Errorf("error = %q", m.Error)
	}
	time.Sleep(50 * time.Millisecond)
	if len(transport.Sent()) != 1 {
		t.Errorf("unsupported response must not be retried, sent %v", transport.Sent())
	}
}

func TestResubmit(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	transport.respond = func(n int, msg *hl7.Message) ([]byte, error) {
		if n == 0 {
			return ack(msg, hl7.AckReject, "rejected"), nil
		}
		return ack(msg, hl7.AckAccept, ""), nil
	}
	d, st, _ := newTestDispatcher(t, transport, testConfig(), pharmacy())

	msgs := enqueueN(t, d, 1)
	err := d.Resubmit(ctx, msgs[0].ID)
	var invalid *InvalidStateError
	if !errors.As(err, &invalid) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected InvalidStateError for pending message, got %v", err)
	}
	if invalid.Status != store.StatusPending {
		t.Errorf("status in error = %s", invalid.Status)
	}

	start(t, d)
	waitFor(t, "error", allStatus(st, store.StatusError))

	if err := d.Resubmit(ctx, msgs[0].ID); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	waitFor(t, "accepted", allStatus(st, store.StatusAccepted))

	if err := d.Resubmit(ctx, msgs[0].ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected InvalidStateError for accepted message, got %v", err)
	}
	if err := d.Resubmit(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestEnqueueStampsHeader(t *testing.T) {
	ctx := context.Background()
	c := pharmacy()
	c.IncludeMillis = true
	d, st, _ := newTestDispatcher(t, &fakeTransport{}, testConfig(), c)
	if err := st.Append(ctx, &store.Message{ConnectorID: "pharmacy", ControlID: "41", Status: store.StatusAccepted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	d.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }

	m, err := d.Enqueue(ctx, []byte(testOrder), "pharmacy", "vet")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if m.ControlID != "42" {
		t.Errorf("control ID = %s, want 42", m.ControlID)
	}
	if m.Type != "RDE_O11" || m.Author != "vet" || m.Version != "2.5" {
		t.Errorf("message = %+v", m)
	}

	parsed, err := hl7.Parse(m.Payload)
	if err != nil {
		t.Fatalf("parse stored payload: %v", err)
	}
	if parsed.ControlID() != "42" {
		t.Errorf("MSH-10 = %s", parsed.ControlID())
	}
	if parsed.SendingApplication() != "VPMS" || parsed.ReceivingFacility() != "Pharmacy" {
		t.Errorf("header = %v", parsed.Segments[0].Fields)
	}
	if got := parsed.HeaderField(7); got != "20240301093000.000" {
		t.Errorf("MSH-7 = %s", got)
	}

	next, _ := d.Enqueue(ctx, []byte(testOrder), "pharmacy", "vet")
	if next.ControlID != "43" {
		t.Errorf("second control ID = %s, want 43", next.ControlID)
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	receiver := connector.Connector{ID: "inbound", Kind: connector.KindReceiver, Port: 2576}
	d, _, _ := newTestDispatcher(t, &fakeTransport{}, testConfig(), pharmacy(), receiver)

	if _, err := d.Enqueue(ctx, []byte(testOrder), "missing", "vet"); !errors.Is(err, ErrUnknownConnector) {
		t.Errorf("expected unknown connector, got %v", err)
	}
	if _, err := d.Enqueue(ctx, []byte(testOrder), "inbound", "vet"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected invalid state for receiver, got %v", err)
	}
	if _, err := d.Enqueue(ctx, []byte("not hl7"), "pharmacy", "vet"); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected invalid message, got %v", err)
	}
}

func TestUndecodableMessageIsSkipped(t *testing.T) {
	ctx := context.Background()
	transport := &fakeTransport{}
	d, st, _ := newTestDispatcher(t, transport, testConfig(), pharmacy())

	bad := &store.Message{ConnectorID: "pharmacy", ControlID: "1", Payload: []byte("garbage")}
	if err := st.Append(ctx, bad); err != nil {
		t.Fatalf("append: %v", err)
	}
	empty := &store.Message{ConnectorID: "pharmacy", ControlID: "2"}
	if err := st.Append(ctx, empty); err != nil {
		t.Fatalf("append: %v", err)
	}
	good := enqueueN(t, d, 1)[0]
	start(t, d)

	waitFor(t, "good accepted", func() bool {
		m, _ := st.Get(ctx, good.ID)
		return m.Status == store.StatusAccepted
	})

	b, _ := st.Get(ctx, bad.ID)
	if b.Status != store.StatusError || !strings.Contains(b.Error, "first segment must be MSH") {
		t.Errorf("bad message: status=%s error=%q", b.Status, b.Error)
	}
	e, _ := st.Get(ctx, empty.ID)
	if e.Status != store.StatusError || e.Error != "No message content" {
		t.Errorf("empty message: status=%s error=%q", e.Status, e.Error)
	}
	if len(transport.Sent()) != 1 {
		t.Errorf("sent %v", transport.Sent())
	}
}

func TestListenersAreNotified(t *testing.T) {
	transport := &fakeTransport{}
	d, st, _ := newTestDispatcher(t, transport, testConfig(), pharmacy())

	var count int64
	d.AddListener(ListenerFunc(func(ctx context.Context, e Event) error {
		panic("listener failure")
	}))
	d.AddListener(ListenerFunc(func(ctx context.Context, e Event) error {
		if e.Disposition == hl7.Accept && e.Message.Status == store.StatusAccepted {
			atomic.AddInt64(&count, 1)
		}
		return nil
	}))

	start(t, d)
	enqueueN(t, d, 3)
	waitFor(t, "all accepted", allStatus(st, store.StatusAccepted))
	waitFor(t, "notifications", func() bool { return atomic.LoadInt64(&count) == 3 })
}

func TestConnectorAddedAndRemoved(t *testing.T) {
	transport := &fakeTransport{}
	d, st, reg := newTestDispatcher(t, transport, testConfig())
	start(t, d)

	if err := reg.Put(pharmacy()); err != nil {
		t.Fatalf("put: %v", err)
	}
	enqueueN(t, d, 2)
	waitFor(t, "accepted", allStatus(st, store.StatusAccepted))

	if err := reg.Remove("pharmacy"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := d.lookup("pharmacy"); ok {
		t.Error("queue should be dropped with its connector")
	}
	if _, err := d.Statistics(context.Background(), "pharmacy"); !errors.Is(err, ErrUnknownConnector) {
		t.Errorf("expected unknown connector, got %v", err)
	}
}

// slowAppendStore delays appends by a varying amount, as a database round
// trip would, so concurrent appends can finish out of call order.
type slowAppendStore struct {
	*memory.Store
	calls atomic.Int64
}

func (s *slowAppendStore) Append(ctx context.Context, msg *store.Message) error {
	time.Sleep(time.Duration(s.calls.Add(1)%3) * time.Millisecond)
	return s.Store.Append(ctx, msg)
}

func TestConcurrentEnqueueDeliversInControlIDOrder(t *testing.T) {
	reg, err := connector.NewRegistry(pharmacy())
	if err != nil {
		t.Fatal(err)
	}
	transport := &fakeTransport{}
	d, err := New(&slowAppendStore{Store: memory.New()}, transport, reg, testConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	start(t, d)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Enqueue(context.Background(), []byte(testOrder), "pharmacy", "vet"); err != nil {
				t.Errorf("enqueue: %v", err)
			}
		}()
	}
	wg.Wait()
	waitFor(t, "all messages sent", func() bool { return len(transport.Sent()) == n })

	sent := transport.Sent()
	for i := 1; i < len(sent); i++ {
		prev, _ := strconv.Atoi(sent[i-1])
		cur, _ := strconv.Atoi(sent[i])
		if cur <= prev {
			t.Fatalf("control ID %d sent after %d: %v", cur, prev, sent)
		}
	}
}

func TestConcurrentSuspendAndResumeAgree(t *testing.T) {
	d, _, reg := newTestDispatcher(t, &fakeTransport{}, testConfig(), pharmacy())
	start(t, d)
	ctx := context.Background()

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Suspend(ctx, "pharmacy")
		}()
		go func() {
			defer wg.Done()
			d.Resume(ctx, "pharmacy")
		}()
		wg.Wait()

		c, _ := reg.Get("pharmacy")
		stats, err := d.Statistics(ctx, "pharmacy")
		if err != nil {
			t.Fatal(err)
		}
		if stats.Suspended != c.Suspended {
			t.Fatalf("round %d: queue suspended = %v, registry suspended = %v", round, stats.Suspended, c.Suspended)
		}
	}
}
