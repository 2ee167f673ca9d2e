package scratch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/amillerrr/vod-packager/pkg/models"
)

func TestCreate(t *testing.T) {
	root := filepath.Join(t.TempDir(), "scratch")
	s := NewStore(root, 0)

	dir, err := s.Create("job-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if dir != filepath.Join(root, "job-1") {
		t.Errorf("Create() = %q", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("job directory not created: %v", err)
	}

	_, err = s.Create("job-1")
	if !errors.Is(err, models.ErrResource) {
		t.Errorf("second Create() error = %v, want ErrResource", err)
	}
}

func TestCreateRejectsUnsafeID(t *testing.T) {
	s := NewStore(t.TempDir(), 0)

	for _, id := range []models.JobID{"", "../escape", "a/b", "."} {
		if _, err := s.Create(id); !errors.Is(err, models.ErrInvalidJobID) {
			t.Errorf("Create(%q) error = %v, want ErrInvalidJobID", id, err)
		}
	}
}

func TestCreateLowDiskSpace(t *testing.T) {
	s := NewStore(t.TempDir(), 1<<30)
	s.usage = func(string) (uint64, error) { return 1 << 20, nil }

	_, err := s.Create("job-1")
	if !errors.Is(err, models.ErrResource) {
		t.Fatalf("Create() error = %v, want ErrResource", err)
	}
	if _, err := os.Stat(s.Resolve("job-1")); !os.IsNotExist(err) {
		t.Error("job directory should not exist after refused Create")
	}
}

func TestCreateUsageError(t *testing.T) {
	s := NewStore(t.TempDir(), 1)
	s.usage = func(string) (uint64, error) { return 0, errors.New("statfs failed") }

	if _, err := s.Create("job-1"); !errors.Is(err, models.ErrResource) {
		t.Fatalf("Create() error = %v, want ErrResource", err)
	}
}

func TestResolve(t *testing.T) {
	s := NewStore("/scratch", 0)

	tests := []struct {
		name []string
		want string
	}{
		{nil, "/scratch/job-1"},
		{[]string{"high.mp4"}, "/scratch/job-1/high.mp4"},
		{[]string{"thumbnails", "thumb_01.jpg"}, "/scratch/job-1/thumbnails/thumb_01.jpg"},
	}
	for _, tt := range tests {
		if got := s.Resolve("job-1", tt.name...); got != tt.want {
			t.Errorf("Resolve(%v) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDestroy(t *testing.T) {
	s := NewStore(t.TempDir(), 0)

	dir, err := s.Create("job-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "thumbnails"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "thumbnails", "thumb_01.jpg"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.Destroy("job-1"); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("job directory still exists: %v", err)
	}

	if err := s.Destroy("job-1"); err != nil {
		t.Errorf("Destroy() on absent directory error = %v", err)
	}
}
