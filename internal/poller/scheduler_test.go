package poller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"modbus-bridge/internal/device"
)

// stubOpener connects stub sessions for some devices and refuses others.
type stubOpener struct {
	sessions map[string]*stubSession
	opened   []string
}

func (o *stubOpener) Open(d device.Descriptor) (Session, error) {
	s, ok := o.sessions[d.Name]
	if !ok {
		return nil, fmt.Errorf("connect %s: connection refused", d.Addr())
	}
	o.opened = append(o.opened, d.Name)
	return s, nil
}

type published struct {
	device  string
	address uint16
	values  []uint16
}

// captureSink records every hand-off; failFor devices return an error.
type captureSink struct {
	messages []published
	failFor  map[string]bool
}

func (c *captureSink) Publish(_ context.Context, deviceName string, address uint16, values []uint16) error {
	c.messages = append(c.messages, published{device: deviceName, address: address, values: values})
	if c.failFor[deviceName] {
		return fmt.Errorf("channel rejected message")
	}
	return nil
}

func newTestScheduler(t *testing.T, store *device.Store, opener Opener, sink Sink) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Store:       store,
		Opener:      opener,
		Sink:        sink,
		DevicePause: time.Millisecond,
		SweepRest:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSweepPublishesSuccessfulRead(t *testing.T) {
	store := device.NewStore([]device.Descriptor{
		{Name: "A", Host: "10.0.0.5", Port: 502, Reads: []device.ReadSpec{{Address: 0, Count: 2}}},
	})
	sessA := &stubSession{responses: map[uint16][]byte{0: regBytes(7, 42)}}
	opener := &stubOpener{sessions: map[string]*stubSession{"A": sessA}}
	sink := &captureSink{}

	if err := newTestScheduler(t, store, opener, sink).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if len(sink.messages) != 1 {
		t.Fatalf("expected exactly 1 message, got %d", len(sink.messages))
	}
	m := sink.messages[0]
	if m.device != "A" || m.address != 0 {
		t.Fatalf("unexpected message: %+v", m)
	}
	if len(m.values) != 2 || m.values[0] != 7 || m.values[1] != 42 {
		t.Fatalf("unexpected values: %v", m.values)
	}
	if sessA.closed != 1 {
		t.Fatalf("expected session closed exactly once, closed %d times", sessA.closed)
	}
}

func TestSweepSkipsUnreachableDevice(t *testing.T) {
	store := device.NewStore([]device.Descriptor{
		{Name: "B", Host: "10.0.0.6", Port: 502, Reads: []device.ReadSpec{{Address: 0, Count: 1}}},
		{Name: "C", Host: "10.0.0.7", Port: 502, Reads: []device.ReadSpec{{Address: 4, Count: 1}}},
	})
	sessC := &stubSession{responses: map[uint16][]byte{4: regBytes(9)}}
	opener := &stubOpener{sessions: map[string]*stubSession{"C": sessC}}
	sink := &captureSink{}

	if err := newTestScheduler(t, store, opener, sink).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// zero sessions for B, zero messages for B, C still polled
	if len(opener.opened) != 1 || opener.opened[0] != "C" {
		t.Fatalf("unexpected opened sessions: %v", opener.opened)
	}
	if len(sink.messages) != 1 || sink.messages[0].device != "C" {
		t.Fatalf("unexpected messages: %+v", sink.messages)
	}
}

func TestSweepAttemptsEveryDeviceWhenAllUnreachable(t *testing.T) {
	descs := make([]device.Descriptor, 5)
	for i := range descs {
		descs[i] = device.Descriptor{
			Name:  fmt.Sprintf("dev-%d", i),
			Host:  fmt.Sprintf("10.0.0.%d", i+1),
			Port:  502,
			Reads: []device.ReadSpec{{Address: 0, Count: 1}},
		}
	}
	store := device.NewStore(descs)
	opener := &stubOpener{sessions: map[string]*stubSession{}}
	sink := &captureSink{}
	sched := newTestScheduler(t, store, opener, sink)

	// one-shot twice: both sweeps independent, no carried state
	for run := 0; run < 2; run++ {
		if err := sched.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep %d: %v", run, err)
		}
		if len(opener.opened) != 0 {
			t.Fatalf("no session should open, got %v", opener.opened)
		}
		if len(sink.messages) != 0 {
			t.Fatalf("no message should be published, got %+v", sink.messages)
		}
	}
}

func TestSweepOrderIsDeviceThenAddress(t *testing.T) {
	store := device.NewStore([]device.Descriptor{
		{Name: "first", Host: "10.0.0.1", Port: 502, Reads: []device.ReadSpec{{Address: 0, Count: 1}, {Address: 8, Count: 1}}},
		{Name: "second", Host: "10.0.0.2", Port: 502, Reads: []device.ReadSpec{{Address: 2, Count: 1}}},
	})
	opener := &stubOpener{sessions: map[string]*stubSession{
		"first":  {responses: map[uint16][]byte{0: regBytes(1), 8: regBytes(2)}},
		"second": {responses: map[uint16][]byte{2: regBytes(3)}},
	}}
	sink := &captureSink{}

	if err := newTestScheduler(t, store, opener, sink).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	want := []published{
		{device: "first", address: 0, values: []uint16{1}},
		{device: "first", address: 8, values: []uint16{2}},
		{device: "second", address: 2, values: []uint16{3}},
	}
	if len(sink.messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(sink.messages))
	}
	for i, m := range sink.messages {
		if m.device != want[i].device || m.address != want[i].address {
			t.Fatalf("message %d out of order: got %s@%d, want %s@%d",
				i, m.device, m.address, want[i].device, want[i].address)
		}
	}
}

func TestSweepContinuesPastPublishFailure(t *testing.T) {
	store := device.NewStore([]device.Descriptor{
		{Name: "A", Host: "10.0.0.1", Port: 502, Reads: []device.ReadSpec{{Address: 0, Count: 1}}},
		{Name: "B", Host: "10.0.0.2", Port: 502, Reads: []device.ReadSpec{{Address: 0, Count: 1}}},
	})
	opener := &stubOpener{sessions: map[string]*stubSession{
		"A": {responses: map[uint16][]byte{0: regBytes(1)}},
		"B": {responses: map[uint16][]byte{0: regBytes(2)}},
	}}
	sink := &captureSink{failFor: map[string]bool{"A": true}}

	if err := newTestScheduler(t, store, opener, sink).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	// the failed hand-off is not retried and B is still published
	if len(sink.messages) != 2 {
		t.Fatalf("expected 2 hand-off attempts, got %d", len(sink.messages))
	}
	if sink.messages[1].device != "B" {
		t.Fatalf("expected B after failed A publish, got %+v", sink.messages[1])
	}
}

func TestSweepClosesSessionWhenReadsFail(t *testing.T) {
	store := device.NewStore([]device.Descriptor{
		{Name: "A", Host: "10.0.0.1", Port: 502, Reads: []device.ReadSpec{{Address: 0, Count: 1}}},
	})
	sess := &stubSession{errs: map[uint16]error{0: fmt.Errorf("timeout")}}
	opener := &stubOpener{sessions: map[string]*stubSession{"A": sess}}
	sink := &captureSink{}

	if err := newTestScheduler(t, store, opener, sink).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sess.closed != 1 {
		t.Fatalf("expected session closed exactly once, closed %d times", sess.closed)
	}
	if len(sink.messages) != 0 {
		t.Fatalf("failed reads must not publish, got %+v", sink.messages)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := device.NewStore([]device.Descriptor{
		{Name: "A", Host: "10.0.0.1", Port: 502, Reads: []device.ReadSpec{{Address: 0, Count: 1}}},
	})
	opener := &stubOpener{sessions: map[string]*stubSession{
		"A": {responses: map[uint16][]byte{0: regBytes(1)}},
	}}
	sink := &captureSink{}
	sched := newTestScheduler(t, store, opener, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if len(sink.messages) == 0 {
		t.Fatal("expected at least one sweep before cancel")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	store := device.NewStore(nil)
	opener := &stubOpener{}
	sink := &captureSink{}

	if _, err := New(Config{Opener: opener, Sink: sink}); err == nil {
		t.Fatal("expected error for missing store")
	}
	if _, err := New(Config{Store: store, Sink: sink}); err == nil {
		t.Fatal("expected error for missing opener")
	}
	if _, err := New(Config{Store: store, Opener: opener}); err == nil {
		t.Fatal("expected error for missing sink")
	}
}
