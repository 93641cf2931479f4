package cache

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed lua/release_lease.lua
var luaReleaseLease string

var releaseLeaseScript = redis.NewScript(luaReleaseLease)

// ErrLeaseHeld is returned when another owner holds the lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

// Lease is a short-lived exclusive claim on a key, released only by its owner.
type Lease struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

// AcquireLease claims key for ttl. A lease that expires before Release is
// simply lost; holders must keep their critical section shorter than ttl.
func AcquireLease(c context.Context, rdb redis.UniversalClient, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := rdb.SetNX(c, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &Lease{rdb: rdb, key: key, token: token}, nil
}

// Release deletes the lease key if it still belongs to this owner.
func (l *Lease) Release(c context.Context) error {
	_, err := releaseLeaseScript.Run(c, l.rdb, []string{l.key}, l.token).Result()
	return err
}

// Key returns the leased key.
func (l *Lease) Key() string {
	return l.key
}
