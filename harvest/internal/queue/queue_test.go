package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/caseharvest/dbopen"
)

func newTestQueue(t *testing.T, opts Options) *Q {
	t.Helper()
	db := dbopen.OpenMemory(t)
	q := New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	return q
}

func TestPublish_Idempotent(t *testing.T) {
	// WHAT: publishing the same task key twice leaves one queued job.
	// WHY: every run re-enqueues all fetchable tasks; duplicates would
	// double-fetch.
	ctx := context.Background()
	q := newTestQueue(t, Options{})

	if err := q.Publish(ctx, "k1", nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, "k1", nil); err != nil {
		t.Fatal(err)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("len = %d, want 1", n)
	}
}

func TestClaimAckCycle(t *testing.T) {
	// WHAT: claim hides a job for the visibility window; ack removes it.
	// WHY: the visibility window is the crash-safety mechanism.
	ctx := context.Background()
	q := newTestQueue(t, Options{Visibility: time.Hour})

	if err := q.Publish(ctx, "k1", []byte("p")); err != nil {
		t.Fatal(err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != "k1" || job.Deliveries != 1 {
		t.Fatalf("job = %+v, want k1 with 1 delivery", job)
	}

	// Hidden: a second claim sees nothing.
	again, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("claimed hidden job %+v", again)
	}

	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("len after ack = %d, want 0", n)
	}
}

func TestNackAfter_Redelivers(t *testing.T) {
	// WHAT: a nacked job becomes claimable again after the delay and the
	// delivery count increments.
	// WHY: backoff between retries is implemented entirely through the
	// visibility timestamp.
	ctx := context.Background()
	q := newTestQueue(t, Options{Visibility: time.Hour})

	if err := q.Publish(ctx, "k1", nil); err != nil {
		t.Fatal(err)
	}
	job, err := q.Claim(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}

	if err := q.NackAfter(ctx, job.ID, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatalf("claimed before delay elapsed: %+v", j)
	}

	time.Sleep(40 * time.Millisecond)
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil || job2.ID != "k1" || job2.Deliveries != 2 {
		t.Fatalf("job = %+v, want k1 with 2 deliveries", job2)
	}
}

func TestClaim_OldestFirst(t *testing.T) {
	// WHAT: claims come out in visible_at order.
	// WHY: tasks delayed by backoff must not starve fresh ones, and fresh
	// publishes keep FIFO order.
	ctx := context.Background()
	q := newTestQueue(t, Options{Visibility: time.Hour})

	for _, k := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, k, nil); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // distinct timestamps
	}

	var got []string
	for i := 0; i < 3; i++ {
		j, err := q.Claim(ctx)
		if err != nil || j == nil {
			t.Fatalf("claim %d: job=%v err=%v", i, j, err)
		}
		got = append(got, j.ID)
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("order = %v, want [a b c]", got)
	}
}

func TestDrain_ProcessesAll(t *testing.T) {
	// WHAT: Drain runs the handler once per job and returns nil when the
	// queue is empty.
	// WHY: the fetch stage is exactly one Drain call per run.
	ctx := context.Background()
	q := newTestQueue(t, Options{Visibility: time.Hour, PollInterval: 5 * time.Millisecond})

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		if err := q.Publish(ctx, k, nil); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	err := q.Drain(ctx, 3, func(_ context.Context, j *Job) Outcome {
		mu.Lock()
		seen[j.ID]++
		mu.Unlock()
		return Outcome{}
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	for _, k := range keys {
		if seen[k] != 1 {
			t.Errorf("job %s processed %d times, want 1", k, seen[k])
		}
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("len after drain = %d, want 0", n)
	}
}

func TestDrain_RequeueUntilDone(t *testing.T) {
	// WHAT: a handler requeue redelivers the job; the drain keeps going
	// while a delayed job is pending and finishes once it is acked.
	// WHY: transient failures must survive inside one drain without the
	// drain exiting early while the only job is invisible.
	ctx := context.Background()
	q := newTestQueue(t, Options{Visibility: time.Hour, PollInterval: 5 * time.Millisecond})

	if err := q.Publish(ctx, "flaky", nil); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	err := q.Drain(ctx, 2, func(_ context.Context, j *Job) Outcome {
		if calls.Add(1) < 3 {
			return Outcome{Requeue: true, Delay: 10 * time.Millisecond}
		}
		return Outcome{}
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
}

func TestDrain_CancelWaitsForInFlight(t *testing.T) {
	// WHAT: cancelling a drain returns ctx.Err() only after in-flight
	// handlers finish, and their outcomes still land in the queue.
	// WHY: a shutdown mid-download must not lose the job or leave its
	// outcome unrecorded.
	q := newTestQueue(t, Options{Visibility: time.Hour, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	if err := q.Publish(context.Background(), "slow", nil); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	var finished atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- q.Drain(ctx, 1, func(_ context.Context, j *Job) Outcome {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return Outcome{}
		})
	}()

	<-started
	cancel()
	err := <-done
	if err != context.Canceled {
		t.Errorf("drain err = %v, want context.Canceled", err)
	}
	if !finished.Load() {
		t.Error("drain returned before in-flight handler finished")
	}
	// The ack issued after cancel must have landed.
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Errorf("len after cancelled drain = %d, want 0", n)
	}
}
