package dedup

import (
	"context"
	"sync"
	"testing"
)

func TestPutIfAbsentFirstInsertWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, inserted, err := store.PutIfAbsent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first insert")
	}
	if rec.Status != StatusProcessing {
		t.Fatalf("expected processing, got %s", rec.Status)
	}

	if err := store.Finalize(ctx, "evt-1", StatusProcessed, []byte("ok")); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	rec, inserted, err = store.PutIfAbsent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("replay put: %v", err)
	}
	if inserted {
		t.Fatalf("expected replay to see existing record")
	}
	if !rec.Terminal() || string(rec.Outcome) != "ok" {
		t.Fatalf("expected recorded outcome, got %+v", rec)
	}
}

func TestPutIfAbsentConcurrent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	inserts := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, inserted, err := store.PutIfAbsent(ctx, "evt-race")
			if err != nil {
				t.Errorf("put: %v", err)
				return
			}
			inserts <- inserted
		}()
	}
	wg.Wait()
	close(inserts)

	count := 0
	for inserted := range inserts {
		if inserted {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one winner, got %d", count)
	}
}
