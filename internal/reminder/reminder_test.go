package reminder

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"herald/internal/directory"
	"herald/internal/notify"
	logx "herald/pkg/logx"
)

type fakeSource struct {
	tasks []directory.DueTask
	from  time.Time
	to    time.Time
}

func (f *fakeSource) DueTasks(_ context.Context, from, to time.Time) ([]directory.DueTask, error) {
	f.from, f.to = from, to
	return f.tasks, nil
}

type recorder struct {
	mu  sync.Mutex
	ops []notify.Operation
}

func (r *recorder) Dispatch(_ context.Context, op notify.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

type fakePruner struct{ cutoff time.Time }

func (p *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return 3, nil
}

func TestSweepDispatchesOncePerWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	src := &fakeSource{tasks: []directory.DueTask{
		{ID: "T1", Title: "Report", DueDate: now.Add(2 * time.Hour), OrganizationID: "O1"},
		{ID: "T2", Title: "Review", DueDate: now.Add(5 * time.Hour)},
	}}
	rec := &recorder{}
	s, err := New(Config{Window: 6 * time.Hour, Timezone: "UTC"}, src, nil, rec, logx.Nop(),
		WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := s.SweepDueSoon(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("first sweep n=%d err=%v", n, err)
	}
	if !src.to.Equal(now.Add(6 * time.Hour)) {
		t.Fatalf("window end=%v", src.to)
	}
	op := rec.ops[0]
	if op.Name != notify.OpTaskDueSoon || op.OrganizationID != "O1" || op.Result.String("id") != "T1" {
		t.Fatalf("op=%+v", op)
	}
	if op.Policy.Notification == nil || op.Policy.Notification.Type != notify.TypeTaskDueSoon {
		t.Fatalf("policy=%+v", op.Policy)
	}
	if op.Result.String("dueDate") != "2026-05-01T11:00:00Z" {
		t.Fatalf("dueDate=%q", op.Result.String("dueDate"))
	}

	clock = now.Add(time.Hour)
	if n, _ := s.SweepDueSoon(context.Background()); n != 0 {
		t.Fatalf("second sweep within window sent %d", n)
	}

	clock = now.Add(7 * time.Hour)
	if n, _ := s.SweepDueSoon(context.Background()); n != 2 {
		t.Fatalf("sweep after window sent %d", n)
	}
}

func TestRescheduledTaskIsRemindedAgain(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{tasks: []directory.DueTask{{ID: "T1", DueDate: now.Add(time.Hour)}}}
	rec := &recorder{}
	s, _ := New(Config{}, src, nil, rec, logx.Nop(), WithClock(func() time.Time { return now }))

	_, _ = s.SweepDueSoon(context.Background())
	src.tasks[0].DueDate = now.Add(2 * time.Hour)
	_, _ = s.SweepDueSoon(context.Background())
	if len(rec.ops) != 2 {
		t.Fatalf("ops=%d", len(rec.ops))
	}
}

func TestDedupIsCapped(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s, _ := New(Config{DedupLimit: 3}, nil, nil, nil, logx.Nop())
	for i := 0; i < 10; i++ {
		if !s.allow(context.Background(), fmt.Sprintf("k%d", i), now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("k%d rejected", i)
		}
	}
	if len(s.dedup) != 3 {
		t.Fatalf("dedup size=%d", len(s.dedup))
	}
	if _, ok := s.dedup["k9"]; !ok {
		t.Fatal("newest key evicted")
	}
}

func TestPruneUsesRetention(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	p := &fakePruner{}
	s, _ := New(Config{Retention: 48 * time.Hour}, nil, p, nil, logx.Nop(), WithClock(func() time.Time { return now }))
	n, err := s.PruneRead(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !p.cutoff.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("cutoff=%v", p.cutoff)
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{DueSoonSpec: "every day"}, nil, nil, nil, logx.Nop()); err == nil {
		t.Fatal("expected schedule error")
	}
	if _, err := New(Config{Timezone: "Mars/Olympus"}, nil, nil, nil, logx.Nop()); err == nil {
		t.Fatal("expected timezone error")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s, err := New(Config{DueSoonSpec: "@every 1h"}, &fakeSource{}, &fakePruner{}, &recorder{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("second Start err=%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop(ctx)
}
