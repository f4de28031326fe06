package storage

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
)

func TestFileStoreWriteReadKeys(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if store.BasePath() != dir {
		t.Fatalf("BasePath() = %q", store.BasePath())
	}
	ctx := context.Background()

	key, err := store.Write(ctx, "./image/job-1/0.png", []byte("png"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if key != "image/job-1/0.png" {
		t.Fatalf("key = %q", key)
	}
	if _, err := store.Write(ctx, "ai_video/job-2/0.mp4", []byte("mp4")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !store.Exists(key) || store.Exists("image/missing.png") {
		t.Fatal("Exists mismatch")
	}

	data, err := store.Read(ctx, key)
	if err != nil || string(data) != "png" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	if _, err := store.Read(ctx, "image/missing.png"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Read missing err = %v", err)
	}

	all, err := store.Keys(ctx, "")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if !slices.Equal(all, []string{"ai_video/job-2/0.mp4", "image/job-1/0.png"}) {
		t.Fatalf("Keys = %v", all)
	}
	images, _ := store.Keys(ctx, "image/")
	if len(images) != 1 {
		t.Fatalf("Keys(image/) = %v", images)
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "a/b.png", want: "a/b.png"},
		{key: `a\b.png`, want: "a/b.png"},
		{key: "/abs/c.png", want: "abs/c.png"},
		{key: "a/../b.png", want: "b.png"},
		{key: "../etc/passwd", wantErr: true},
		{key: "..", wantErr: true},
		{key: "  ", wantErr: true},
	}
	for _, tc := range tests {
		got, err := sanitizeKey(tc.key)
		if (err != nil) != tc.wantErr {
			t.Fatalf("sanitizeKey(%q) err = %v", tc.key, err)
		}
		if !tc.wantErr && got != filepath.ToSlash(tc.want) {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	if _, err := NewFileStore(" "); err == nil {
		t.Fatal("expected error for blank path")
	}
}
