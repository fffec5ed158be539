package grants

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"custodia.org/internal/docs"
)

func seedRegistry(t *testing.T) *docs.MemoryRegistry {
	t.Helper()
	registry := docs.NewMemoryRegistry()
	registry.Add(docs.Document{
		ID: "doc-1", OwnerID: "subject-1", Title: "Diploma",
		ContentType: "application/pdf", ReviewState: docs.ReviewApproved,
	}, []byte("diploma bytes"))
	registry.Add(docs.Document{
		ID: "doc-2", OwnerID: "subject-1", Title: "Transcript",
		ContentType: "application/pdf", ReviewState: docs.ReviewApproved,
	}, []byte("transcript bytes"))
	registry.Add(docs.Document{
		ID: "doc-pending", OwnerID: "subject-1", Title: "Draft",
		ContentType: "application/pdf", ReviewState: docs.ReviewPending,
	}, []byte("draft bytes"))
	registry.Add(docs.Document{
		ID: "doc-other", OwnerID: "subject-2", Title: "Foreign",
		ContentType: "application/pdf", ReviewState: docs.ReviewApproved,
	}, []byte("foreign bytes"))
	return registry
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemory(seedRegistry(t))

	cases := []struct {
		name    string
		purpose string
		items   []string
	}{
		{"empty items", "background check", nil},
		{"blank purpose", "   ", []string{"doc-1"}},
		{"foreign document", "background check", []string{"doc-other"}},
		{"unapproved document", "background check", []string{"doc-pending"}},
		{"unknown document", "background check", []string{"doc-missing"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "entity-1", "subject-1", tc.purpose, tc.items)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCreateDeduplicatesItems(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemory(seedRegistry(t))

	req, err := svc.Create(ctx, "entity-1", "subject-1", "verification", []string{"doc-1", "doc-1", "doc-2"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(req.Items) != 2 {
		t.Fatalf("expected deduped items, got %v", req.Items)
	}
	if req.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", req.Status)
	}
}

func TestListNewestFirstAndVisibility(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	svc := NewInMemory(seedRegistry(t), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))

	first, _ := svc.Create(ctx, "entity-1", "subject-1", "first", []string{"doc-1"})
	second, _ := svc.Create(ctx, "entity-1", "subject-1", "second", []string{"doc-2"})

	forEntity, err := svc.ListForEntity(ctx, "entity-1", 10, 0)
	if err != nil {
		t.Fatalf("ListForEntity: %v", err)
	}
	if len(forEntity) != 2 || forEntity[0].ID != second.ID || forEntity[1].ID != first.ID {
		t.Fatalf("expected newest-first ordering, got %+v", forEntity)
	}

	forSubject, err := svc.ListForSubject(ctx, "subject-1", 1, 1)
	if err != nil {
		t.Fatalf("ListForSubject: %v", err)
	}
	if len(forSubject) != 1 || forSubject[0].ID != first.ID {
		t.Fatalf("pagination mismatch: %+v", forSubject)
	}

	other, _ := svc.ListForEntity(ctx, "entity-9", 10, 0)
	if len(other) != 0 {
		t.Fatalf("expected no visibility for other entity, got %+v", other)
	}
}

func TestDecideOnce(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemory(seedRegistry(t))

	req, _ := svc.Create(ctx, "entity-1", "subject-1", "check", []string{"doc-1"})

	decided, err := svc.Decide(ctx, req.ID, "subject-1", true, "ok for a week")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decided.Status != StatusApproved || decided.DecidedAt == nil {
		t.Fatalf("unexpected decision record: %+v", decided)
	}

	if _, err := svc.Decide(ctx, req.ID, "subject-1", false, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second decide, got %v", err)
	}
	if _, err := svc.Decide(ctx, req.ID, "subject-2", true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign subject, got %v", err)
	}
}

func TestDecideConcurrentFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemory(seedRegistry(t))
	req, _ := svc.Create(ctx, "entity-1", "subject-1", "check", []string{"doc-1"})

	const racers = 8
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Decide(ctx, req.ID, "subject-1", true, "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, invalid int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidState):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || invalid != racers-1 {
		t.Fatalf("expected exactly one winner, got ok=%d invalid=%d", ok, invalid)
	}
}

func TestResolveGrantedResource(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	svc := NewInMemory(seedRegistry(t), WithClock(func() time.Time { return clock }))

	req, _ := svc.Create(ctx, "entity-1", "subject-1", "check", []string{"doc-1", "doc-2"})

	// Not decided yet.
	if _, err := svc.ResolveGrantedResource(ctx, "entity-1", req.ID, "doc-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before approval, got %v", err)
	}

	if _, err := svc.Decide(ctx, req.ID, "subject-1", true, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	doc, err := svc.ResolveGrantedResource(ctx, "entity-1", req.ID, "doc-1")
	if err != nil {
		t.Fatalf("ResolveGrantedResource: %v", err)
	}
	if doc.ID != "doc-1" {
		t.Fatalf("unexpected document: %+v", doc)
	}

	if _, err := svc.ResolveGrantedResource(ctx, "entity-2", req.ID, "doc-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign entity, got %v", err)
	}
	if _, err := svc.ResolveGrantedResource(ctx, "entity-1", req.ID, "doc-pending"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for uncovered item, got %v", err)
	}
}

func TestLazyExpiryIsTerminal(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	svc := NewInMemory(seedRegistry(t), WithClock(func() time.Time { return clock }))

	req, _ := svc.Create(ctx, "entity-1", "subject-1", "check", []string{"doc-1"})
	if _, err := svc.Decide(ctx, req.ID, "subject-1", true, ""); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	clock = clock.Add(ValidityWindow)
	if _, err := svc.ResolveGrantedResource(ctx, "entity-1", req.ID, "doc-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState at window edge, got %v", err)
	}

	listed, _ := svc.ListForEntity(ctx, "entity-1", 10, 0)
	if listed[0].Status != StatusExpired {
		t.Fatalf("expected EXPIRED recorded, got %s", listed[0].Status)
	}

	// Rewinding the clock must not flap the state back to APPROVED.
	clock = clock.Add(-time.Hour)
	if _, err := svc.ResolveGrantedResource(ctx, "entity-1", req.ID, "doc-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected EXPIRED to stay terminal, got %v", err)
	}
}

func TestItemsImmutableAfterCreation(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemory(seedRegistry(t))

	req, _ := svc.Create(ctx, "entity-1", "subject-1", "check", []string{"doc-1"})
	req.Items[0] = "doc-2" // mutate the returned copy

	listed, _ := svc.ListForEntity(ctx, "entity-1", 10, 0)
	if listed[0].Items[0] != "doc-1" {
		t.Fatalf("stored items were mutated: %+v", listed[0].Items)
	}
}
