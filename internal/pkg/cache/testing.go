package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/env"
)

// resolveTestRedis probes the usual local and compose endpoints and skips the
// test when none answers.
func resolveTestRedis(t testing.TB) (string, string) {
	t.Helper()

	hosts := uniqueNonEmpty(env.GetEnv("CACHE_HOST", ""), "cache", "localhost", "127.0.0.1")
	ports := uniqueNonEmpty(env.GetEnv("CACHE_PORT", "6379"), "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	var lastErr error
	for _, host := range hosts {
		for _, port := range ports {
			addr := fmt.Sprintf("%s:%s", host, port)
			probe := redis.NewClient(&redis.Options{Addr: addr, Password: password})
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err := probe.Ping(ctx).Err()
			cancel()
			_ = probe.Close()
			if err == nil {
				return addr, password
			}
			lastErr = err
		}
	}

	t.Skipf("Skipping Redis-dependent test: no reachable Redis endpoint (%v)", lastErr)
	return "", ""
}

// NewTestClient returns a client on an isolated, flushed Redis database.
func NewTestClient(t testing.TB, db int) *redis.Client {
	t.Helper()

	addr, password := resolveTestRedis(t)
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("failed to flush isolated redis db %d: %v", db, err)
	}

	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})
	return client
}

func uniqueNonEmpty(values ...string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
