// Package quota tracks outbound catalog API calls against the provider's
// daily request allowance.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var trackScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// counterTTLSeconds keeps a day's counter around long enough to survive
// timezone skew before Redis reaps it.
const counterTTLSeconds = 2 * 24 * 60 * 60

// Tracker counts provider API calls per UTC day in Redis. Tracking is
// best-effort: a Redis failure never blocks the call being tracked.
type Tracker struct {
	client     *redis.Client
	prefix     string
	dailyLimit int64
}

// NewTracker creates a Redis-backed daily call tracker.
func NewTracker(addr, password, prefix string, dailyLimit int) (*Tracker, error) {
	if dailyLimit <= 0 {
		return nil, errors.New("quota tracker requires a positive daily limit")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("quota tracker redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "libris:quota"
	}
	return &Tracker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix:     prefix,
		dailyLimit: int64(dailyLimit),
	}, nil
}

// Track records one outbound call and logs usage milestones.
func (t *Tracker) Track(ctx context.Context) {
	if t == nil {
		return
	}
	count, err := t.increment(ctx)
	if err != nil {
		slog.Debug("quota tracking unavailable", "err", err)
		return
	}
	percent := float64(count) / float64(t.dailyLimit) * 100
	switch {
	case percent > 90:
		slog.Warn("api quota nearly exhausted",
			"used", count,
			"limit", t.dailyLimit,
			"remaining", t.dailyLimit-count,
		)
	case count%50 == 0:
		slog.Info("api quota usage",
			"used", count,
			"limit", t.dailyLimit,
			"percent", fmt.Sprintf("%.1f", percent),
		)
	}
}

// CanCall reports whether the daily allowance still has headroom.
// Fails open when Redis is unreachable.
func (t *Tracker) CanCall(ctx context.Context) bool {
	count, err := t.Count(ctx)
	if err != nil {
		return true
	}
	return count < t.dailyLimit
}

// Count returns how many calls were tracked today.
func (t *Tracker) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	val, err := t.client.Get(ctx, t.key()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (t *Tracker) increment(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return trackScript.Run(ctx, t.client, []string{t.key()}, counterTTLSeconds).Int64()
}

func (t *Tracker) key() string {
	return t.prefix + ":" + time.Now().UTC().Format("2006-01-02")
}
