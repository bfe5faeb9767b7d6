package stats

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/praetor-ai/praetor/internal/audit"
)

const (
	keyPrefix = "praetor:"

	// appliedTTL bounds the replay-dedup guard. Replays older than this
	// are assumed to come through Rebuild, which resets the store first.
	appliedTTL = 7 * 24 * time.Hour

	// bucketTTL bounds per-department hour buckets; the leaderboard never
	// looks back further than this.
	bucketTTL = 7 * 24 * time.Hour
)

// Redis is a store backed by a shared Redis instance, for deployments
// where several praetor instances aggregate into one view. Counters use
// hashes, distinct users use HyperLogLog, and leaderboard windows use
// per-hour department hashes.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &Redis{client: client, now: time.Now}, nil
}

// NewRedisWithClient wraps an existing client, for tests.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

// Apply folds one audit record into the aggregates. A SETNX guard keyed by
// request id makes replays no-ops.
func (r *Redis) Apply(ctx context.Context, rec audit.Record) error {
	fresh, err := r.client.SetNX(ctx, keyPrefix+"applied:"+rec.RequestID, 1, appliedTTL).Result()
	if err != nil {
		return fmt.Errorf("marking record applied: %w", err)
	}
	if !fresh {
		return nil
	}

	agentKey := keyPrefix + "agent:" + rec.AgentID
	hour := rec.Timestamp.UTC().Truncate(time.Hour).Unix()
	deptKey := fmt.Sprintf("%sdept:%s:%d", keyPrefix, rec.Department, hour)
	deptAgentsKey := deptKey + ":agents"

	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, keyPrefix+"agents", rec.AgentID)
	pipe.HIncrBy(ctx, agentKey, "total", 1)
	pipe.HIncrBy(ctx, agentKey, rec.Status, 1)
	pipe.HIncrBy(ctx, agentKey, "latency_sum", rec.LatencyMs)
	if rec.Incident() {
		pipe.HIncrBy(ctx, agentKey, "incidents", 1)
	}
	if rec.Degraded {
		pipe.HIncrBy(ctx, agentKey, "degraded", 1)
	}
	if rec.UserID != "" {
		pipe.PFAdd(ctx, agentKey+":users", rec.UserID)
	}
	for _, c := range rec.Categories {
		pipe.HIncrBy(ctx, agentKey+":categories", c, 1)
	}

	pipe.SAdd(ctx, keyPrefix+"departments", rec.Department)
	pipe.HIncrBy(ctx, deptKey, "total", 1)
	if rec.Incident() {
		pipe.HIncrBy(ctx, deptKey, "incidents", 1)
	}
	pipe.SAdd(ctx, deptAgentsKey, rec.AgentID)
	pipe.Expire(ctx, deptKey, bucketTTL)
	pipe.Expire(ctx, deptAgentsKey, bucketTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("applying record %s: %w", rec.RequestID, err)
	}
	return nil
}

// Agent returns the agent's aggregates or ErrNoStats.
func (r *Redis) Agent(ctx context.Context, agentID string) (AgentStats, error) {
	agentKey := keyPrefix + "agent:" + agentID
	fields, err := r.client.HGetAll(ctx, agentKey).Result()
	if err != nil {
		return AgentStats{}, fmt.Errorf("reading agent stats: %w", err)
	}
	if len(fields) == 0 {
		return AgentStats{}, ErrNoStats
	}

	out := AgentStats{
		AgentID:       agentID,
		TotalRequests: hashInt(fields, "total"),
		Passed:        hashInt(fields, "passed"),
		Flagged:       hashInt(fields, "flagged"),
		Blocked:       hashInt(fields, "blocked"),
		Inconclusive:  hashInt(fields, "inconclusive"),
		Incidents:     hashInt(fields, "incidents"),
		Degraded:      hashInt(fields, "degraded"),
	}
	if out.TotalRequests > 0 {
		out.AvgLatencyMs = float64(hashInt(fields, "latency_sum")) / float64(out.TotalRequests)
	}

	users, err := r.client.PFCount(ctx, agentKey+":users").Result()
	if err != nil {
		return AgentStats{}, fmt.Errorf("counting distinct users: %w", err)
	}
	out.DistinctUsers = users

	cats, err := r.client.HGetAll(ctx, agentKey+":categories").Result()
	if err != nil {
		return AgentStats{}, fmt.Errorf("reading category counts: %w", err)
	}
	if len(cats) > 0 {
		out.Categories = make(map[string]int64, len(cats))
		for c, v := range cats {
			n, _ := strconv.ParseInt(v, 10, 64)
			out.Categories[c] = n
		}
	}
	return out, nil
}

// Leaderboard ranks departments by request volume over the trailing window.
func (r *Redis) Leaderboard(ctx context.Context, window time.Duration, limit int) ([]DepartmentStats, error) {
	depts, err := r.client.SMembers(ctx, keyPrefix+"departments").Result()
	if err != nil {
		return nil, fmt.Errorf("listing departments: %w", err)
	}

	end := r.now().UTC().Truncate(time.Hour)
	start := r.now().UTC().Add(-window).Truncate(time.Hour)

	var out []DepartmentStats
	for _, dept := range depts {
		entry := DepartmentStats{Department: dept}
		var agentKeys []string
		for h := start; !h.After(end); h = h.Add(time.Hour) {
			deptKey := fmt.Sprintf("%sdept:%s:%d", keyPrefix, dept, h.Unix())
			fields, err := r.client.HGetAll(ctx, deptKey).Result()
			if err != nil {
				return nil, fmt.Errorf("reading department bucket: %w", err)
			}
			if len(fields) == 0 {
				continue
			}
			entry.TotalRequests += hashInt(fields, "total")
			entry.Incidents += hashInt(fields, "incidents")
			agentKeys = append(agentKeys, deptKey+":agents")
		}
		if entry.TotalRequests == 0 {
			continue
		}
		agents, err := r.client.SUnion(ctx, agentKeys...).Result()
		if err != nil {
			return nil, fmt.Errorf("counting active agents: %w", err)
		}
		entry.ActiveAgents = int64(len(agents))
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalRequests != out[j].TotalRequests {
			return out[i].TotalRequests > out[j].TotalRequests
		}
		return out[i].Department < out[j].Department
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset deletes every praetor key. Used before a rebuild from the audit log.
func (r *Redis) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", 512).Result()
		if err != nil {
			return fmt.Errorf("scanning keys: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("deleting keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func hashInt(fields map[string]string, name string) int64 {
	n, _ := strconv.ParseInt(fields[name], 10, 64)
	return n
}

var _ Store = (*Redis)(nil)
