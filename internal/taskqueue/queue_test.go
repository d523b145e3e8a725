package taskqueue

import (
	"testing"
)

type job struct {
	Name string
}

func TestAddAndTakeNext(t *testing.T) {
	q := New[job](1)

	q.Add("a", job{Name: "first"})
	q.Add("b", job{Name: "second"})

	id, ok := q.TakeNext()
	if !ok || id != "a" {
		t.Fatalf("expected to take 'a', got %q ok=%v", id, ok)
	}

	// Concurrency bound is 1; nothing else may start while 'a' is active.
	if id, ok := q.TakeNext(); ok {
		t.Fatalf("expected no task while active set is full, got %q", id)
	}

	q.RemoveActive("a")

	id, ok = q.TakeNext()
	if !ok || id != "b" {
		t.Fatalf("expected to take 'b' after releasing the slot, got %q ok=%v", id, ok)
	}
}

func TestActiveBoundHolds(t *testing.T) {
	q := New[job](2)
	for _, id := range []string{"1", "2", "3", "4"} {
		q.Add(id, job{})
	}

	taken := 0
	for {
		if _, ok := q.TakeNext(); !ok {
			break
		}
		taken++
	}
	if taken != 2 {
		t.Errorf("expected 2 tasks taken with max_concurrent=2, got %d", taken)
	}
	if w, a := q.Counts(); w != 2 || a != 2 {
		t.Errorf("expected waiting=2 active=2, got waiting=%d active=%d", w, a)
	}
}

func TestRemoveActiveIdempotent(t *testing.T) {
	q := New[job](1)
	q.Add("a", job{})
	q.TakeNext()

	q.RemoveActive("a")
	q.RemoveActive("a") // must not panic or corrupt state
	q.RemoveActive("never-existed")

	if w, a := q.Counts(); w != 0 || a != 0 {
		t.Errorf("expected empty queue, got waiting=%d active=%d", w, a)
	}
}

func TestFind(t *testing.T) {
	q := New[job](1)
	q.Add("a", job{Name: "map-pack"})

	task, ok := q.Find("a")
	if !ok || task.Name != "map-pack" {
		t.Errorf("expected to find task 'a', got %+v ok=%v", task, ok)
	}
	if _, ok := q.Find("missing"); ok {
		t.Error("expected Find to miss for unknown id")
	}

	// A task stays findable while active so the extraction stage can look
	// up the originating download.
	q.TakeNext()
	if _, ok := q.Find("a"); !ok {
		t.Error("expected active task to stay findable")
	}
}

func TestReplace(t *testing.T) {
	q := New[job](1)
	q.Add("old1", job{})
	q.Add("old2", job{})
	q.TakeNext()

	q.Replace([]Entry[job]{
		{ID: "n1", Task: job{Name: "one"}},
		{ID: "n2", Task: job{Name: "two"}},
	})

	if w, a := q.Counts(); w != 2 || a != 0 {
		t.Fatalf("expected waiting=2 active=0 after replace, got waiting=%d active=%d", w, a)
	}
	if _, ok := q.Find("old1"); ok {
		t.Error("old task survived replace")
	}
	if id, ok := q.TakeNext(); !ok || id != "n1" {
		t.Errorf("expected 'n1' first after replace, got %q ok=%v", id, ok)
	}
}

func TestWaitingAndActiveOrder(t *testing.T) {
	q := New[job](1)
	q.Add("a", job{Name: "a"})
	q.Add("b", job{Name: "b"})
	q.Add("c", job{Name: "c"})
	q.TakeNext()

	active := q.Active()
	if len(active) != 1 || active[0].Name != "a" {
		t.Errorf("expected active [a], got %+v", active)
	}
	waiting := q.Waiting()
	if len(waiting) != 2 || waiting[0].Name != "b" || waiting[1].Name != "c" {
		t.Errorf("expected waiting [b c], got %+v", waiting)
	}
}

func TestMarkProcessingStarted(t *testing.T) {
	q := New[job](1)
	if q.MarkProcessingStarted() {
		t.Error("first mark should report not-started")
	}
	if !q.MarkProcessingStarted() {
		t.Error("second mark should report already-started")
	}
}
