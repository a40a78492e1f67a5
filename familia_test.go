package familia

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/delano/familia-sub006/index"
	"github.com/delano/familia-sub006/model"
)

const testSchema = `
classes:
  - name: company
    instances: true
    participations:
      - collection: employees
        member: employee
  - name: employee
    fields: [email, handle]
    instances: true
indexes:
  - class: employee
    name: email
    field: email
    scope: company
  - class: employee
    name: handle
    field: handle
`

func openTestInstance(t *testing.T) *Instance {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultSchemaFileName)
	if err := os.WriteFile(path, []byte(testSchema), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	inst, err := Open(context.Background(), Config{Schema: path}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func TestOpenRequiresSchema(t *testing.T) {
	if _, err := Open(context.Background(), Config{}, nil); err == nil {
		t.Fatal("expected schema error")
	}
	if _, err := Open(context.Background(), Config{Schema: filepath.Join(t.TempDir(), "missing.yaml")}, nil); err == nil {
		t.Fatal("expected missing schema error")
	}
}

func TestOpenRebuildAndLookup(t *testing.T) {
	ctx := context.Background()
	inst := openTestInstance(t)
	repo := inst.Repository

	acme := model.New("company", "acme", nil)
	if err := repo.Save(ctx, acme); err != nil {
		t.Fatalf("save company: %v", err)
	}
	for id, email := range map[string]string{"e1": "ann@acme.test", "e2": "bob@acme.test"} {
		emp := model.New("employee", id, map[string]string{"email": email, "handle": "@" + id})
		if err := repo.Save(ctx, emp); err != nil {
			t.Fatalf("save employee: %v", err)
		}
		if err := repo.AddParticipant(ctx, acme, emp); err != nil {
			t.Fatalf("participate: %v", err)
		}
	}

	rel, err := inst.Engine.Registry().Lookup("employee", "email")
	if err != nil {
		t.Fatalf("lookup relationship: %v", err)
	}
	scope, err := inst.Scope(ctx, rel, "acme")
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	res, err := inst.Engine.Rebuilder().Rebuild(ctx, rel, scope, index.RebuildOptions{})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if res.Indexed != 2 || !res.Swapped || res.Strategy != index.StrategyParticipation {
		t.Fatalf("unexpected result %+v", res)
	}
	emails, err := inst.Engine.Unique("employee", "email")
	if err != nil {
		t.Fatalf("unique: %v", err)
	}
	id, ok, err := emails.Lookup(ctx, scope, "bob@acme.test")
	if err != nil || !ok || id != "e2" {
		t.Fatalf("lookup: %q %v %v", id, ok, err)
	}
}

func TestInstanceScope(t *testing.T) {
	ctx := context.Background()
	inst := openTestInstance(t)
	email, _ := inst.Engine.Registry().Lookup("employee", "email")
	handle, _ := inst.Engine.Registry().Lookup("employee", "handle")

	if scope, err := inst.Scope(ctx, handle, ""); err != nil || scope != nil {
		t.Fatalf("class-level scope: %v %v", scope, err)
	}
	if _, err := inst.Scope(ctx, handle, "acme"); !errors.Is(err, index.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := inst.Scope(ctx, email, ""); !errors.Is(err, index.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := inst.Scope(ctx, email, "nobody"); err == nil {
		t.Fatal("expected missing scope error")
	}
}
