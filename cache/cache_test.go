package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type latest struct {
	ElementID string  `json:"element_id"`
	Value     float64 `json:"value"`
}

func newTestCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client, 0, nil)
}

func TestRememberReadsThrough(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()
	loads := 0
	load := func(ctx context.Context) (interface{}, error) {
		loads++
		return []latest{{ElementID: "RCON", Value: 244.8}}, nil
	}

	var first []latest
	hit, err := c.Remember(ctx, ReadingsKey("RCON"), &first, load)
	if err != nil || hit {
		t.Fatalf("first call should miss: hit=%v err=%v", hit, err)
	}
	var second []latest
	hit, err = c.Remember(ctx, ReadingsKey("RCON"), &second, load)
	if err != nil || !hit {
		t.Fatalf("second call should hit: hit=%v err=%v", hit, err)
	}
	if loads != 1 || len(second) != 1 || second[0].Value != 244.8 {
		t.Fatalf("loads=%d second=%+v", loads, second)
	}

	if ttl := mr.TTL(ReadingsKey("RCON")); ttl != DefaultTTL {
		t.Fatalf("ttl = %s, want %s", ttl, DefaultTTL)
	}
	mr.FastForward(6 * time.Second)
	var third []latest
	if hit, _ := c.Remember(ctx, ReadingsKey("RCON"), &third, load); hit || loads != 2 {
		t.Fatalf("entry should have expired: hit=%v loads=%d", hit, loads)
	}
}

func TestInvalidateReadings(t *testing.T) {
	mr, c := newTestCache(t)
	ctx := context.Background()

	_ = c.SetJSON(ctx, ReadingsKey(), []latest{})
	_ = c.SetJSON(ctx, ReadingsKey("RCON"), []latest{})
	_ = mr.Set("other:key", "keep")

	if err := c.InvalidateReadings(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if mr.Exists(ReadingsKey()) || mr.Exists(ReadingsKey("RCON")) {
		t.Fatal("readings keys should be gone")
	}
	if !mr.Exists("other:key") {
		t.Fatal("keys outside the namespace must survive")
	}
}

func TestRememberPropagatesLoadError(t *testing.T) {
	_, c := newTestCache(t)
	boom := errors.New("db down")
	var dest []latest
	if _, err := c.Remember(context.Background(), ReadingsKey(), &dest, func(ctx context.Context) (interface{}, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *Cache
	ctx := context.Background()
	if err := c.InvalidateReadings(ctx); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	var dest []latest
	hit, err := c.Remember(ctx, ReadingsKey(), &dest, func(ctx context.Context) (interface{}, error) {
		return []latest{{ElementID: "RCAV"}}, nil
	})
	if err != nil || hit || len(dest) != 1 {
		t.Fatalf("nil cache should load directly: hit=%v err=%v dest=%+v", hit, err, dest)
	}
}
