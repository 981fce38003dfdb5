package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryAdapter_SetGet(t *testing.T) {
	adapter := NewMemoryAdapter(16, time.Minute)
	ctx := context.Background()

	if err := adapter.Set(ctx, "proto:1211", []byte(`{"code":"1211"}`), 60); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := adapter.Get(ctx, "proto:1211")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{"code":"1211"}` {
		t.Errorf("unexpected value: %s", got)
	}
}

func TestMemoryAdapter_MissingKey(t *testing.T) {
	adapter := NewMemoryAdapter(16, time.Minute)

	if _, err := adapter.Get(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing key")
	}

	exists, err := adapter.Exists(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Error("expected missing key to not exist")
	}
}

func TestMemoryAdapter_TTLExpiry(t *testing.T) {
	adapter := NewMemoryAdapter(16, 20*time.Millisecond)
	ctx := context.Background()

	if err := adapter.Set(ctx, "k", []byte("v"), 60); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := adapter.Get(ctx, "k"); err == nil {
		t.Error("expected entry to expire")
	}
}

func TestMemoryAdapter_Delete(t *testing.T) {
	adapter := NewMemoryAdapter(16, time.Minute)
	ctx := context.Background()

	_ = adapter.Set(ctx, "k", []byte("v"), 60)
	if err := adapter.Delete(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := adapter.Get(ctx, "k"); err == nil {
		t.Error("expected key to be deleted")
	}
}
