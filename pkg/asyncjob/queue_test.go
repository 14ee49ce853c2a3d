package asyncjob

import (
	"context"
	"testing"
	"time"
)

func TestJobQueueFIFOWithinTenant(t *testing.T) {
	q := newJobQueue()
	order := []string{}
	base := time.Now()
	q.push(&queueItem{jobID: "a", tenantID: "t1", priority: 5, submittedAt: base})
	q.push(&queueItem{jobID: "b", tenantID: "t1", priority: 5, submittedAt: base.Add(time.Millisecond)})
	q.push(&queueItem{jobID: "c", tenantID: "t1", priority: 5, submittedAt: base.Add(2 * time.Millisecond)})

	for i := 0; i < 3; i++ {
		item, err := q.popWhenAvailable(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		order = append(order, item.jobID)
	}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("got order %v, want [a b c]", order)
	}
}

func TestJobQueueHigherPriorityFirstAcrossTenants(t *testing.T) {
	q := newJobQueue()
	base := time.Now()
	q.push(&queueItem{jobID: "low", tenantID: "t1", priority: 1, submittedAt: base})
	q.push(&queueItem{jobID: "high", tenantID: "t2", priority: 10, submittedAt: base.Add(time.Millisecond)})

	first, err := q.popWhenAvailable(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.jobID != "high" {
		t.Fatalf("got %q, want high (higher priority value wins)", first.jobID)
	}
}

func TestJobQueuePopBlocksUntilPush(t *testing.T) {
	q := newJobQueue()
	resultCh := make(chan *queueItem, 1)
	go func() {
		item, err := q.popWhenAvailable(context.Background())
		if err != nil {
			return
		}
		resultCh <- item
	}()

	select {
	case <-resultCh:
		t.Fatal("pop returned before any push")
	case <-time.After(20 * time.Millisecond):
	}

	q.push(&queueItem{jobID: "x", tenantID: "t1", submittedAt: time.Now()})

	select {
	case item := <-resultCh:
		if item.jobID != "x" {
			t.Fatalf("got %q, want x", item.jobID)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after push")
	}
}

func TestJobQueuePopRespectsContextCancellation(t *testing.T) {
	q := newJobQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.popWhenAvailable(ctx)
	if err == nil {
		t.Fatal("expected error from a cancelled context")
	}
}

func TestJobQueueCloseUnblocksPop(t *testing.T) {
	q := newJobQueue()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.popWhenAvailable(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error after close")
		}
	case <-time.After(time.Second):
		t.Fatal("close did not unblock pop")
	}
}
