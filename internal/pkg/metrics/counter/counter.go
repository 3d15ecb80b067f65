package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hotspotfox/HotspotFox/internal/pkg/cache"
	"github.com/hotspotfox/HotspotFox/internal/pkg/database"
)

const actionsKey = "controller:counters:actions"

// Controller action names tracked in the daily stats table.
const (
	ActionAuthorize         = "authorize"
	ActionAuthorizeFailed   = "authorize_failed"
	ActionUnauthorize       = "unauthorize"
	ActionUnauthorizeFailed = "unauthorize_failed"
)

// AddControllerAction increments the pending counter for a controller action in Redis
func AddControllerAction(action string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, actionsKey, action, 1).Err()
}

// FlushAll flushes pending controller action counters to the database
func FlushAll() error {
	return flushActionsToTable(actionsKey)
}

// flushActionsToTable drains the Redis hash atomically and upserts per-day
// counter rows. Uses RENAME to a temporary key for atomic drain without
// losing in-flight increments.
func flushActionsToTable(redisKey string) error {
	ctx := context.Background()
	rdb := cache.GetClient()

	// Atomically move the hash to a temp key for draining
	tmpKey := fmt.Sprintf("%s:tmp:%d", redisKey, time.Now().UnixNano())
	if err := rdb.Do(ctx, "RENAME", redisKey, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to flush
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return nil
		}
		// Some Redis libs return redis.Nil; treat as empty
		if err.Error() == "redis: nil" {
			return nil
		}
		return err
	}

	// Ensure cleanup of tmpKey even if later steps fail
	defer rdb.Del(ctx, tmpKey)

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	type pair struct {
		action string
		inc    int64
	}
	pairs := make([]pair, 0, len(data))
	for action, v := range data {
		inc, ierr := strconv.ParseInt(v, 10, 64)
		if ierr != nil || inc == 0 {
			continue
		}
		pairs = append(pairs, pair{action: action, inc: inc})
	}
	if len(pairs) == 0 {
		return nil
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].action < pairs[j].action })

	day := time.Now().Format("2006-01-02")
	db := database.GetDB()
	for _, p := range pairs {
		sql := "INSERT INTO controller_action_stats (date, action, count, created_at, updated_at) " +
			"VALUES (?, ?, ?, NOW(), NOW()) " +
			"ON DUPLICATE KEY UPDATE count = count + VALUES(count), updated_at = NOW()"
		if err := db.Exec(sql, day, p.action, p.inc).Error; err != nil {
			return err
		}
	}
	return nil
}
