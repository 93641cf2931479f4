package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditWallet/internal/pkg/cache"
	"github.com/ManuelReschke/CreditWallet/internal/pkg/database"
)

const actionUsageKey = "wallet:counters:action_usage"

// AddActionUsage increments the pending usage counter for a billable action in Redis
func AddActionUsage(ctx context.Context, actionKey string) error {
	return cache.GetClient().HIncrBy(ctx, actionUsageKey, actionKey, 1).Err()
}

// FlushAll drains pending action usage into action_costs.usage_count
func FlushAll() error {
	return Flush(context.Background(), cache.GetClient(), database.GetDB())
}

// Flush drains the usage hash atomically and applies batched increments.
// RENAME to a temporary key keeps in-flight increments on the live key.
func Flush(ctx context.Context, rdb redis.Cmdable, db *gorm.DB) error {
	tmpKey := fmt.Sprintf("%s:tmp:%d", actionUsageKey, time.Now().UnixNano())
	if err := rdb.Rename(ctx, actionUsageKey, tmpKey).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such key") || err == redis.Nil {
			return nil
		}
		return err
	}
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}

	type pair struct {
		key string
		inc int64
	}
	pairs := make([]pair, 0, len(data))
	for k, v := range data {
		inc, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pair{key: k, inc: inc})
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	// UPDATE action_costs SET usage_count = usage_count + CASE action_key WHEN ? THEN ? ... END WHERE action_key IN (...)
	var builder strings.Builder
	args := make([]interface{}, 0, len(pairs)*3)
	builder.WriteString("UPDATE action_costs SET usage_count = usage_count + CASE action_key")
	for _, p := range pairs {
		builder.WriteString(" WHEN ? THEN ?")
		args = append(args, p.key, p.inc)
	}
	builder.WriteString(" ELSE 0 END WHERE action_key IN (")
	for i, p := range pairs {
		if i > 0 {
			builder.WriteString(",")
		}
		builder.WriteString("?")
		args = append(args, p.key)
	}
	builder.WriteString(")")

	return db.WithContext(ctx).Exec(builder.String(), args...).Error
}
