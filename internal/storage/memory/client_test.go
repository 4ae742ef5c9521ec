package memory

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	c := New()

	if err := c.Set(ctx, "chat:1:messages", `[]`, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	val, ok, err := c.Get(ctx, "chat:1:messages")
	if err != nil || !ok {
		t.Fatalf("Get() = %q, %v, %v; want hit", val, ok, err)
	}
	if val != `[]` {
		t.Errorf("Get() = %q, want []", val)
	}

	if err := c.Delete(ctx, "chat:1:messages"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := c.Get(ctx, "chat:1:messages"); ok {
		t.Error("Get() after Delete() still hits")
	}
}

func TestGetExpired(t *testing.T) {
	ctx := context.Background()
	c := New()
	if err := c.Set(ctx, "k", "v", -time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("Get() returned expired entry")
	}
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	c := New()
	c.Set(ctx, "chat:1:messages:0:50", "a", time.Minute)
	c.Set(ctx, "chat:1:branches", "b", time.Minute)
	c.Set(ctx, "chat:2:branches", "c", time.Minute)

	if err := c.DeletePrefix(ctx, "chat:1:"); err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}
	if _, ok, _ := c.Get(ctx, "chat:1:messages:0:50"); ok {
		t.Error("chat:1 message page survived prefix delete")
	}
	if _, ok, _ := c.Get(ctx, "chat:1:branches"); ok {
		t.Error("chat:1 branches survived prefix delete")
	}
	if _, ok, _ := c.Get(ctx, "chat:2:branches"); !ok {
		t.Error("chat:2 entry deleted by unrelated prefix")
	}
}
