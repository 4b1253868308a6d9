package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"automoth/internal/eventbus"
	"automoth/pkg/logx"
)

type fakeTransport struct {
	mu    sync.Mutex
	fails int
	sent  []string
	calls int
}

func (f *fakeTransport) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func startService(t *testing.T, cfg Config, tr Transport) *Service {
	t.Helper()
	s := New(cfg, tr, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	s := startService(t, testConfig(), tr)
	if err := s.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(tr.messages()) == 1 })
	waitFor(t, func() bool { return len(s.History()) == 1 })
	if h := s.History()[0]; h.Text != "hello" || h.Error != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{fails: 2}
	s := startService(t, testConfig(), tr)
	_ = s.Notify(context.Background(), "flaky")
	waitFor(t, func() bool { return len(tr.messages()) == 1 })
	tr.mu.Lock()
	calls := tr.calls
	tr.mu.Unlock()
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestNotifyRecordsFailureAfterRetries(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{fails: 10}
	s := startService(t, testConfig(), tr)
	_ = s.Notify(context.Background(), "down")
	waitFor(t, func() bool { return len(s.History()) == 1 })
	if h := s.History()[0]; h.Error == "" {
		t.Fatalf("expected failure in history: %+v", h)
	}
}

func TestNotifySuppressesDuplicates(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	tr := &fakeTransport{}
	s := startService(t, cfg, tr)
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), "same"); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.Notify(context.Background(), "other")
	waitFor(t, func() bool { return len(tr.messages()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := tr.messages(); len(got) != 2 || got[0] != "same" || got[1] != "other" {
		t.Fatalf("sent = %v", got)
	}
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, &fakeTransport{}, logx.Nop())
	s.Start(context.Background())
	if err := s.Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s2 := New(testConfig(), &fakeTransport{}, logx.Nop())
	if err := s2.Notify(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestWatchForwardsSelectedEvents(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	s := startService(t, testConfig(), tr)
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Watch(ctx, bus)
		close(done)
	}()

	// Wait until Watch has subscribed.
	waitFor(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.ImageSaved, Data: eventbus.SessionInfo{SessionID: 1}})
		bus.Publish(eventbus.Event{Type: eventbus.SessionStarted, Data: eventbus.SessionInfo{SessionID: 1, Name: "moths"}})
		return len(tr.messages()) > 0
	})
	for _, m := range tr.messages() {
		if !strings.Contains(m, "started") {
			t.Fatalf("unexpected message %q", m)
		}
	}
	cancel()
	<-done
}

func TestFormat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ev   eventbus.Event
		want string
	}{
		{eventbus.Event{Type: eventbus.SessionStopped, Data: eventbus.SessionInfo{SessionID: 2, Name: "n", Reason: "auto-stop", Images: 5}},
			`Session "n" (#2) stopped (auto-stop): 5 images, 0 failed, 0 dropped`},
		{eventbus.Event{Type: eventbus.PendingDropped, Data: eventbus.PendingInfo{RequestCode: 9, Name: "late", Reason: "session active"}},
			`Scheduled session "late" (#9) dropped: session active`},
		{eventbus.Event{Type: eventbus.CaptureFailed, Data: eventbus.SessionInfo{SessionID: 3, Name: "x", Error: "boom"}},
			`Capture failed in session "x" (#3): boom`},
	}
	for _, tc := range cases {
		if got := Format(tc.ev); !strings.Contains(got, tc.want) {
			t.Errorf("Format(%s) = %q, want it to contain %q", tc.ev.Type, got, tc.want)
		}
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"moth", 10, "moth"},
		{"moth", 4, "moth"},
		{"mothlight", 4, "mot…"},
		{"ĉapto ĉiam", 3, "ĉa…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := truncRunes(tc.in, tc.n); got != tc.want {
			t.Errorf("truncRunes(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
