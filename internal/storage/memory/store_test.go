package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/storage"
)

func TestMemoryStore_AppendIsCopied(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec := &domain.ExecutionRecord{ID: "01A", AgentName: "qualifier", Status: domain.ExecutionSuccess}
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	rec.AgentName = "mutated"

	got, err := store.Get(ctx, "01A")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AgentName != "qualifier" {
		t.Errorf("stored record was mutated through caller pointer")
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should default to now")
	}

	if err := store.Append(ctx, &domain.ExecutionRecord{ID: "01A"}); !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("duplicate Append() error = %v", err)
	}
}

func TestMemoryStore_QueryNewestFirstWithCursor(t *testing.T) {
	store := New()
	ctx := context.Background()

	// Appended out of order; ids define order.
	for _, id := range []string{"01C", "01A", "01E", "01B", "01D"} {
		if err := store.Append(ctx, &domain.ExecutionRecord{ID: id, AgentName: "a", Status: domain.ExecutionSuccess}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	var seen []string
	cursor := ""
	for {
		page, err := store.Query(ctx, domain.ExecutionFilter{}, domain.Page{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		for _, r := range page.Records {
			seen = append(seen, r.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	want := "[01E 01D 01C 01B 01A]"
	if got := fmt.Sprint(seen); got != want {
		t.Errorf("pagination order = %s, want %s", got, want)
	}
}

func TestMemoryStore_QueryFilter(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()

	_ = store.Append(ctx, &domain.ExecutionRecord{ID: "1", AgentName: "a", LeadMessageID: "l1", Status: domain.ExecutionSuccess, CreatedAt: now})
	_ = store.Append(ctx, &domain.ExecutionRecord{ID: "2", AgentName: "b", LeadMessageID: "l1", Status: domain.ExecutionError, CreatedAt: now})
	_ = store.Append(ctx, &domain.ExecutionRecord{ID: "3", AgentName: "a", LeadMessageID: "l2", Status: domain.ExecutionSuccess, CreatedAt: now})

	page, _ := store.Query(ctx, domain.ExecutionFilter{AgentName: "a"}, domain.Page{})
	if len(page.Records) != 2 {
		t.Errorf("agent filter = %d records, want 2", len(page.Records))
	}
	page, _ = store.Query(ctx, domain.ExecutionFilter{LeadMessageID: "l1", Status: domain.ExecutionError}, domain.Page{})
	if len(page.Records) != 1 || page.Records[0].ID != "2" {
		t.Errorf("lead+status filter = %+v", page.Records)
	}
}

func TestMemoryStore_ConcurrentAppend(t *testing.T) {
	store := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Append(context.Background(), &domain.ExecutionRecord{ID: domain.NewID(time.Now())})
		}()
	}
	wg.Wait()

	page, _ := store.Query(context.Background(), domain.ExecutionFilter{}, domain.Page{Limit: 100})
	if len(page.Records) != 50 {
		t.Errorf("got %d records, want 50", len(page.Records))
	}
}

func TestMemoryStore_Outcomes(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, id := range []string{"l1", "l2", "l3"} {
		lead, _ := domain.NewLeadMessage(id, "text", "", "")
		if err := store.SaveLead(ctx, lead); err != nil {
			t.Fatalf("SaveLead() error = %v", err)
		}
	}
	_ = store.SetOutcome(ctx, "l1", domain.LeadOutcomeWon)
	_ = store.SetOutcome(ctx, "l2", domain.LeadOutcomeLost)

	if err := store.SetOutcome(ctx, "missing", domain.LeadOutcomeWon); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("SetOutcome(missing) error = %v", err)
	}

	total, won, decided, _ := store.LeadCounts(ctx)
	if total != 3 || won != 1 || decided != 2 {
		t.Errorf("LeadCounts() = %d, %d, %d; want 3, 1, 2", total, won, decided)
	}
}
