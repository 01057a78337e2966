package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// Redis keeps ready jobs in a list ({key}:ready) and delayed jobs in a sorted
// set ({key}:delayed) scored by due time in unix millis.
type Redis struct {
	rdb     *redis.Client
	ready   string
	delayed string
	workers int
	log     *slog.Logger

	pollTimeout time.Duration
	promoteTick time.Duration
}

func NewRedis(rdb *redis.Client, key string, workers int, log *slog.Logger) *Redis {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{
		rdb:         rdb,
		ready:       key + ":ready",
		delayed:     key + ":delayed",
		workers:     workers,
		log:         log,
		pollTimeout: 2 * time.Second,
		promoteTick: 500 * time.Millisecond,
	}
}

// Connect builds a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx2).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (q *Redis) Enqueue(ctx context.Context, job domain.Job, delay time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if delay <= 0 {
		return q.rdb.RPush(ctx, q.ready, b).Err()
	}
	due := time.Now().Add(delay).UnixMilli()
	return q.rdb.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: b}).Err()
}

func (q *Redis) Consume(ctx context.Context, h domain.JobHandler) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promote(ctx)
	}()
	for w := 1; w <= q.workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.work(ctx, id, h)
		}(w)
	}
	q.log.Info("job workers started", "backend", "redis", "workers", q.workers, "key", q.ready)
	wg.Wait()
	return nil
}

func (q *Redis) work(ctx context.Context, id int, h domain.JobHandler) {
	for ctx.Err() == nil {
		res, err := q.rdb.BLPop(ctx, q.pollTimeout, q.ready).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("redis pop failed", "worker", id, "err", err)
			sleep(ctx, time.Second)
			continue
		}
		// res = [key, value]
		var job domain.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.log.Error("dropping malformed job", "worker", id, "err", err)
			continue
		}
		dispatch(ctx, q.log, id, job, h)
	}
}

// promote moves due delayed jobs onto the ready list. ZRem decides the owner
// when several instances promote the same member.
func (q *Redis) promote(ctx context.Context) {
	t := time.NewTicker(q.promoteTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		due, err := q.rdb.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{Min: "-inf", Max: now, Count: 100}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.log.Warn("redis promote failed", "err", err)
			}
			continue
		}
		for _, m := range due {
			n, err := q.rdb.ZRem(ctx, q.delayed, m).Result()
			if err != nil || n == 0 {
				continue
			}
			if err := q.rdb.RPush(ctx, q.ready, m).Err(); err != nil {
				q.log.Error("redis requeue failed", "err", err)
			}
		}
	}
}

// Ping is used by the health endpoint.
func (q *Redis) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
