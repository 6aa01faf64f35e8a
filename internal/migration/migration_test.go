package migration

import (
	"context"
	"errors"
	"testing"

	xerrors "OpenPlugin-Guard/internal/errors"
	"OpenPlugin-Guard/internal/store"
)

func TestPlanSelectsVersionsInRange(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore())
	noop := func(context.Context, Data) error { return nil }
	for _, v := range []string{"3.0.0", "1.0.0", "1.5.0", "2.0.0"} {
		if err := r.Register("p", v, noop); err != nil {
			t.Fatalf("register %s: %v", v, err)
		}
	}
	steps, err := r.Plan("p", "1.0.0", "2.0.0")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(steps) != 2 || steps[0].Version != "1.5.0" || steps[1].Version != "2.0.0" {
		t.Fatalf("unexpected plan %+v", steps)
	}
	if err := r.Register("p", "not-a-version", noop); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRunAppliesAndRecords(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	_ = st.SetData(ctx, "p", "count", "1")
	r := NewRegistry(st)
	_ = r.Register("p", "2.0.0", func(ctx context.Context, d Data) error {
		v, _, _ := d.Get(ctx, "count")
		return d.Set(ctx, "total", v)
	})
	_ = r.Register("p", "2.1.0", func(context.Context, Data) error { return errors.New("bad data") })

	err := r.Run(ctx, "p", "1.0.0", "2.1.0")
	if xerrors.CodeOf(err) != xerrors.CodeMigrationFailed {
		t.Fatalf("expected migration failure, got %v", err)
	}
	if v, ok, _ := st.GetData(ctx, "p", "total"); !ok || v != "1" {
		t.Fatalf("first migration should have run, total=%q", v)
	}
	recs, _ := st.Migrations(ctx, "p")
	if len(recs) != 2 || recs[0].Status != store.MigrationApplied || recs[1].Status != store.MigrationFailed {
		t.Fatalf("unexpected records %+v", recs)
	}
	if recs[1].FromVersion != "2.0.0" || recs[1].Error != "bad data" {
		t.Fatalf("failed step should chain from the previous version: %+v", recs[1])
	}

	r.Forget("p")
	if steps, _ := r.Plan("p", "1.0.0", "9.0.0"); len(steps) != 0 {
		t.Fatalf("forgotten plugin should have no steps")
	}
}
