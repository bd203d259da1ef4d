package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/serveml-labs/serveml-go/internal/domain"
	"github.com/serveml-labs/serveml-go/internal/repo"
)

func newDeployment(id, owner string, created time.Time) domain.Deployment {
	return domain.Deployment{
		ID:          id,
		Owner:       owner,
		DisplayName: "model-" + id,
		Status:      domain.StatusSubmitted,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	d := newDeployment("d1", "alice", time.Now().UTC())
	if err := store.Create(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, d); !errors.Is(err, repo.ErrExists) {
		t.Errorf("duplicate create = %v, want ErrExists", err)
	}

	got, err := store.Get(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Owner != "alice" || got.Status != domain.StatusSubmitted {
		t.Errorf("got %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("missing get = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if err := store.Create(ctx, newDeployment("d1", "alice", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	if _, err := store.UpdateStatus(ctx, "d1", domain.StatusSubmitted, domain.StatusValidating, repo.StatusUpdate{}); err != nil {
		t.Fatal(err)
	}

	// Stale expectation loses.
	_, err := store.UpdateStatus(ctx, "d1", domain.StatusSubmitted, domain.StatusValidating, repo.StatusUpdate{})
	if !errors.Is(err, repo.ErrConflict) {
		t.Errorf("stale swap = %v, want ErrConflict", err)
	}

	// Skipping a stage is rejected even with the right expectation.
	if _, err := store.UpdateStatus(ctx, "d1", domain.StatusValidating, domain.StatusPublishing, repo.StatusUpdate{}); err == nil {
		t.Error("stage skip must be rejected")
	}
}

func TestUpdateStatusAppliesFields(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if err := store.Create(ctx, newDeployment("d1", "alice", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	desc := domain.ArtifactDescriptor{Framework: domain.FrameworkSklearn, SizeBytes: 64}
	if _, err := store.UpdateStatus(ctx, "d1", domain.StatusSubmitted, domain.StatusValidating, repo.StatusUpdate{}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateStatus(ctx, "d1", domain.StatusValidating, domain.StatusBuilding, repo.StatusUpdate{Descriptor: &desc}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateStatus(ctx, "d1", domain.StatusBuilding, domain.StatusPublishing, repo.StatusUpdate{BuildReference: "serveml-d1:latest"}); err != nil {
		t.Fatal(err)
	}
	got, err := store.UpdateStatus(ctx, "d1", domain.StatusPublishing, domain.StatusActive, repo.StatusUpdate{InvocationAddress: "http://127.0.0.1:32768"})
	if err != nil {
		t.Fatal(err)
	}

	if got.Descriptor == nil || got.Descriptor.Framework != domain.FrameworkSklearn {
		t.Error("descriptor not preserved through later transitions")
	}
	if got.BuildReference != "serveml-d1:latest" {
		t.Errorf("build reference = %q", got.BuildReference)
	}
	if got.InvocationAddress != "http://127.0.0.1:32768" {
		t.Errorf("address = %q", got.InvocationAddress)
	}
	if got.FailureCause != nil {
		t.Error("active record must not carry a failure cause")
	}
}

func TestFailurePurgesAddress(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if err := store.Create(ctx, newDeployment("d1", "alice", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	got, err := store.UpdateStatus(ctx, "d1", domain.StatusSubmitted, domain.StatusFailed, repo.StatusUpdate{
		FailureCause: &domain.FailureCause{Stage: "validation", Message: "artifact is empty"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.InvocationAddress != "" {
		t.Error("failed record must not expose an address")
	}
	if got.FailureCause == nil || got.FailureCause.Stage != "validation" {
		t.Errorf("failure cause = %+v", got.FailureCause)
	}
}

func TestDeletePurgesLargeFields(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if err := store.Create(ctx, newDeployment("d1", "alice", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateStatus(ctx, "d1", domain.StatusSubmitted, domain.StatusFailed, repo.StatusUpdate{
		FailureCause: &domain.FailureCause{Stage: "build", Message: "boom"},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := store.UpdateStatus(ctx, "d1", domain.StatusFailed, domain.StatusDeleted, repo.StatusUpdate{CleanupWarning: "registry tag not removed"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusDeleted {
		t.Errorf("status = %s", got.Status)
	}
	if got.Descriptor != nil || got.BuildReference != "" || got.InvocationAddress != "" {
		t.Error("deleted record must purge its large fields")
	}
	if got.CleanupWarning != "registry tag not removed" {
		t.Errorf("cleanup warning = %q", got.CleanupWarning)
	}
}

func TestListOrderingAndFiltering(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, spec := range []struct {
		id    string
		owner string
		ago   time.Duration
	}{
		{id: "old", owner: "alice", ago: 3 * time.Hour},
		{id: "mid", owner: "bob", ago: 2 * time.Hour},
		{id: "new", owner: "alice", ago: time.Hour},
	} {
		if err := store.Create(ctx, newDeployment(spec.id, spec.owner, base.Add(-spec.ago))); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.List(ctx, repo.DeploymentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Errorf("order = %v", ids(all))
	}

	alice, err := store.List(ctx, repo.DeploymentFilter{Owner: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(alice) != 2 {
		t.Errorf("alice sees %v", ids(alice))
	}

	// Deleted records disappear from default listings.
	if _, err := store.UpdateStatus(ctx, "new", domain.StatusSubmitted, domain.StatusFailed, repo.StatusUpdate{
		FailureCause: &domain.FailureCause{Stage: "validation", Message: "x"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpdateStatus(ctx, "new", domain.StatusFailed, domain.StatusDeleted, repo.StatusUpdate{}); err != nil {
		t.Fatal(err)
	}
	visible, err := store.List(ctx, repo.DeploymentFilter{Owner: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 || visible[0].ID != "old" {
		t.Errorf("visible = %v", ids(visible))
	}
	withDeleted, err := store.List(ctx, repo.DeploymentFilter{Owner: "alice", IncludeDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(withDeleted) != 2 {
		t.Errorf("withDeleted = %v", ids(withDeleted))
	}

	limited, err := store.List(ctx, repo.DeploymentFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limited = %v", ids(limited))
	}
}

func ids(ds []domain.Deployment) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}
