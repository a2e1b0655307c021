package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"herald/internal/eventbus"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	c := New()

	c.Observe(eventbus.Event{Type: eventbus.DispatchStarted})
	c.Observe(eventbus.Event{Type: eventbus.DispatchFinished, Data: eventbus.DispatchInfo{Recipients: 3, Duration: 20 * time.Millisecond}})
	c.Observe(eventbus.Event{Type: eventbus.EmailSent, Data: eventbus.DeliveryInfo{Type: "TASK_ASSIGNED"}})
	c.Observe(eventbus.Event{Type: eventbus.EmailSent, Data: eventbus.DeliveryInfo{Type: "TASK_ASSIGNED"}})
	c.Observe(eventbus.Event{Type: eventbus.EmailFailed, Data: eventbus.DeliveryInfo{Type: "MENTION", Err: "x"}})
	c.Observe(eventbus.Event{Type: eventbus.NotificationFailed})
	c.Observe(eventbus.Event{Type: eventbus.LookupFailed, Data: "task_participants"})
	c.Observe(eventbus.Event{Type: "something.else"})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"started", testutil.ToFloat64(c.dispatches.WithLabelValues("started")), 1},
		{"finished", testutil.ToFloat64(c.dispatches.WithLabelValues("finished")), 1},
		{"email sent", testutil.ToFloat64(c.emails.WithLabelValues("TASK_ASSIGNED", "sent")), 2},
		{"email failed", testutil.ToFloat64(c.emails.WithLabelValues("MENTION", "failed")), 1},
		{"notification failed", testutil.ToFloat64(c.notifications.WithLabelValues("unknown", "failed")), 1},
		{"lookup", testutil.ToFloat64(c.lookups.WithLabelValues("task_participants")), 1},
	}
	for _, ch := range checks {
		if ch.got != ch.want {
			t.Fatalf("%s: got %v, want %v", ch.name, ch.got, ch.want)
		}
	}
	if n := testutil.CollectAndCount(c.dispatchTime); n != 1 {
		t.Fatalf("duration series=%d", n)
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for testutil.ToFloat64(c.reloads) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("signal never observed")
		}
		eventbus.Emit(bus, eventbus.ConfigReloaded, nil)
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestHandler(t *testing.T) {
	t.Parallel()
	c := New()
	c.Observe(eventbus.Event{Type: eventbus.ActivityLogged})
	srv := httptest.NewServer(c.Handler(true))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz resp=%v err=%v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/debug/pprof/cmdline")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof resp=%v err=%v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(buf.String(), `herald_activity_entries_total{result="logged"} 1`) {
		t.Fatalf("metrics body missing series:\n%s", buf.String())
	}
}
