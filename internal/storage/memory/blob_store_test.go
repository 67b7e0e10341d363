package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "docs/T/job/abc.md", "text/markdown", bytes.NewBufferString("content"))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://docs/T/job/abc.md" {
		t.Fatalf("unexpected uri %s", uri)
	}
	stored, ok := store.Object("docs/T/job/abc.md")
	if !ok || string(stored) != "content" {
		t.Fatalf("unexpected stored object %q", stored)
	}
	stored[0] = 'C'
	again, _ := store.Object("docs/T/job/abc.md")
	if string(again) != "content" {
		t.Fatalf("expected Object to return a copy, got %q", again)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 object, got %d", store.Len())
	}
}
