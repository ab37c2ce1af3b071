package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestRedisStore runs against a real server when REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	client, err := NewRedisClient(ctx, addr, os.Getenv("REDIS_PASSWORD"))
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer client.Close()

	s := NewRedisStore(client, quietLogger())
	s.prefix = "pagewatch-test:" + t.Name() + ":"

	sess := newSession("a@example.com")
	sess.StartedAt = time.Now()
	if err := s.Save(ctx, sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Delete(context.Background(), sess.ID) })

	ttl, err := client.TTL(ctx, s.key(sess.ID)).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 12*time.Hour || ttl > 12*time.Hour+expiryGrace {
		t.Errorf("TTL() = %v, want within session lifetime plus grace", ttl)
	}

	got, err := s.Load(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Owner != sess.Owner {
		t.Errorf("Load().Owner = %q, want %q", got.Owner, sess.Owner)
	}

	rows, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("List() returned %d rows, want 1", len(rows))
	}

	if err := s.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Load(ctx, sess.ID); !IsNotFound(err) {
		t.Errorf("Load() after Delete error = %v, want not found", err)
	}
}
