package cohorts

import (
	"context"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/models"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	repo := NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return repo
}

func TestBuildConceptSet(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	row := &conceptSetModel{
		ID:          7,
		Name:        "diabetes concepts",
		Domain:      "CONDITION",
		Description: "type 2 diagnoses",
		ConceptIDs:  datatypes.JSON(`[201826, 443238]`),
		Creator:     "reviewer@example.org",
		Version:     3,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	set := buildConceptSet(row)
	if set.ID != 7 || set.Name != "diabetes concepts" || set.Domain != "CONDITION" {
		t.Fatalf("unexpected concept set: %+v", set)
	}
	if set.Etag != models.EtagFromVersion(3) {
		t.Fatalf("etag = %q, want version 3 etag", set.Etag)
	}
	if len(set.ConceptIDs) != 2 || set.ConceptIDs[0] != 201826 || set.ConceptIDs[1] != 443238 {
		t.Fatalf("concept ids = %v", set.ConceptIDs)
	}
}

func TestBuildConceptSetCorruptMembership(t *testing.T) {
	row := &conceptSetModel{ID: 1, Name: "x", ConceptIDs: datatypes.JSON(`{nope`), Version: 1}
	set := buildConceptSet(row)
	if len(set.ConceptIDs) != 0 {
		t.Fatalf("expected empty membership for corrupt column, got %v", set.ConceptIDs)
	}
}

func TestUpdateConceptSetStaleEtagLeavesRowUnchanged(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	created, err := repo.CreateConceptSet(ctx, models.ConceptSet{
		Name:       "diabetes concepts",
		Domain:     "CONDITION",
		ConceptIDs: []int64{201826, 443238},
	})
	if err != nil {
		t.Fatalf("failed to create concept set: %v", err)
	}

	_, err = repo.UpdateConceptSet(ctx, models.ConceptSet{
		ID:         created.ID,
		Etag:       models.EtagFromVersion(99),
		Name:       "renamed",
		ConceptIDs: []int64{1},
	})
	if !apierrors.IsCode(err, apierrors.CodeConcurrentModification) {
		t.Fatalf("expected CONCURRENT_MODIFICATION for stale etag, got %v", err)
	}

	reread, err := repo.GetConceptSet(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to re-read concept set: %v", err)
	}
	if reread.Name != "diabetes concepts" {
		t.Fatalf("name changed after failed update: %q", reread.Name)
	}
	if len(reread.ConceptIDs) != 2 || reread.ConceptIDs[0] != 201826 || reread.ConceptIDs[1] != 443238 {
		t.Fatalf("membership changed after failed update: %v", reread.ConceptIDs)
	}
	if reread.Etag != created.Etag {
		t.Fatalf("etag changed after failed update: %q", reread.Etag)
	}

	updated, err := repo.UpdateConceptSet(ctx, models.ConceptSet{
		ID:         created.ID,
		Etag:       created.Etag,
		Name:       "renamed",
		ConceptIDs: []int64{1},
	})
	if err != nil {
		t.Fatalf("update with matching etag failed: %v", err)
	}
	if updated.Name != "renamed" || len(updated.ConceptIDs) != 1 || updated.ConceptIDs[0] != 1 {
		t.Fatalf("unexpected concept set after update: %+v", updated)
	}
	if updated.Etag != models.EtagFromVersion(2) {
		t.Fatalf("etag = %q, want version 2 etag", updated.Etag)
	}
}

func TestUpdateConceptSetRejectsMalformedEtag(t *testing.T) {
	repo := NewRepository(nil)
	_, err := repo.UpdateConceptSet(context.Background(), models.ConceptSet{
		ID:         7,
		Etag:       "3",
		Name:       "renamed",
		ConceptIDs: []int64{201826},
	})
	if !apierrors.IsCode(err, apierrors.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST for malformed etag, got %v", err)
	}
}
