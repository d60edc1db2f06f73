package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryPutGetDelete(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	key := ItemKey("f1", "i1")

	if err := store.Put(ctx, "/"+key, "text/plain", strings.NewReader("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, ok := store.Get(key)
	if !ok || string(data) != "hello" {
		t.Fatalf("unexpected object %q (found=%v)", data, ok)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := store.Get(key); ok {
		t.Fatalf("expected object to be deleted")
	}
}

func TestMemoryRejectsEmptyKey(t *testing.T) {
	store := NewMemory()
	if err := store.Put(context.Background(), " / ", "", strings.NewReader("x")); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected empty key error got %v", err)
	}
}

func TestItemKey(t *testing.T) {
	if got := ItemKey("f1", "i1"); got != "folders/f1/items/i1" {
		t.Fatalf("unexpected key %q", got)
	}
}
