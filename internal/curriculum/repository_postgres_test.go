package curriculum_test

import (
	"errors"
	"testing"

	"github.com/p-n-ai/pai-learn/internal/curriculum"
	"github.com/p-n-ai/pai-learn/internal/platform/database/dbtest"
)

func TestNewPostgresRepository_NilPool(t *testing.T) {
	if _, err := curriculum.NewPostgresRepository(nil); err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestPostgresRepository_RoundTrip(t *testing.T) {
	repo, err := curriculum.NewPostgresRepository(dbtest.Pool(t))
	if err != nil {
		t.Fatalf("NewPostgresRepository() error = %v", err)
	}
	ctx := t.Context()

	catalog := curriculum.NewCatalog(repo)
	if _, err := catalog.Replace(ctx, sampleCourse()); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if _, err := catalog.Replace(ctx, sampleCourse()); err != nil {
		t.Fatalf("second Replace() error = %v", err)
	}

	reloaded := curriculum.NewCatalog(repo)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tree, err := reloaded.Get("go-101")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tree.Course().Version != 2 {
		t.Errorf("Version = %d, want 2", tree.Course().Version)
	}
	if tree.Len() != 3 {
		t.Errorf("Len() = %d, want 3", tree.Len())
	}
	l3, err := tree.Lesson("L3")
	if err != nil || len(l3.Questions()) != 1 || l3.Questions()[0].Correct != 1 {
		t.Errorf("Lesson(L3) = %+v, %v", l3, err)
	}

	stale := sampleCourse()
	stale.Version = 1
	if _, err := reloaded.Replace(ctx, stale); !errors.Is(err, curriculum.ErrVersionConflict) {
		t.Errorf("Replace(stale) error = %v, want ErrVersionConflict", err)
	}
}
