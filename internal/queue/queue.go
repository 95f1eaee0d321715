package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"aoer-pipeline/internal/models"
)

const (
	keyPendingPrefix = "aoer:queue:pending:"
	keyInFlight      = "aoer:queue:inflight"
	keyScheduled     = "aoer:queue:scheduled"
	keyCompleted     = "aoer:queue:completed"

	// How many due scheduled jobs a single Pop will promote.
	promoteBatch = 10
)

// drainOrder: urgent jobs must never be starved behind a backlog of
// low-priority bulk refreshes.
var drainOrder = []models.Priority{
	models.PriorityUrgent,
	models.PriorityHigh,
	models.PriorityMedium,
	models.PriorityLow,
}

// Depth is a read-only snapshot of queue state.
type Depth struct {
	Pending   map[models.Priority]int64 `json:"pending"`
	Scheduled int64                     `json:"scheduled"`
	InFlight  int64                     `json:"in_flight"`
	Completed int64                     `json:"completed"`
}

// Queue is a Redis-backed priority job queue shared by all worker
// processes. It keeps one pending list per priority, a sorted set of
// future-dated jobs, and an in-flight list used as the processing
// marker. All claim operations rely on Redis primitives being atomic;
// the queue holds no locks of its own.
type Queue struct {
	client *redis.Client
}

// New creates a queue over an existing Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Push enqueues a job. Jobs scheduled in the future go to the
// scheduled set and become visible to Pop once due; everything else
// lands directly on its priority's pending list.
func (q *Queue) Push(ctx context.Context, job *models.RecomputeJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	if job.ScheduledAt.After(time.Now()) {
		err = q.client.ZAdd(ctx, keyScheduled, redis.Z{
			Score:  float64(job.ScheduledAt.Unix()),
			Member: string(payload),
		}).Err()
	} else {
		err = q.client.LPush(ctx, pendingKey(job.Priority), string(payload)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// Pop atomically claims the next job, urgent first. The claimed
// payload is moved onto the in-flight list in the same Redis
// operation, so no two workers can process the same job instance.
// Returns (nil, nil) when nothing is eligible.
func (q *Queue) Pop(ctx context.Context) (*models.RecomputeJob, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	for _, priority := range drainOrder {
		raw, err := q.client.LMove(ctx, pendingKey(priority), keyInFlight, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop job: %w", err)
		}

		var job models.RecomputeJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// Poison entry: clear the marker and surface the problem
			// rather than leaving it to block the in-flight list.
			if remErr := q.client.LRem(ctx, keyInFlight, 1, raw).Err(); remErr != nil {
				log.Printf("error removing malformed job from in-flight list: %v", remErr)
			}
			return nil, fmt.Errorf("malformed job in queue: %w", err)
		}
		job.Raw = raw
		return &job, nil
	}

	return nil, nil
}

// Ack marks a popped job as completed: clears its in-flight marker and
// bumps the completed counter.
func (q *Queue) Ack(ctx context.Context, job *models.RecomputeJob) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, keyInFlight, 1, job.Raw)
	pipe.Incr(ctx, keyCompleted)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Discard clears a popped job's in-flight marker without counting it
// as completed. Used on the failure path before a retry or drop.
func (q *Queue) Discard(ctx context.Context, job *models.RecomputeJob) error {
	if err := q.client.LRem(ctx, keyInFlight, 1, job.Raw).Err(); err != nil {
		return fmt.Errorf("failed to discard job: %w", err)
	}
	return nil
}

// Depth returns pending/scheduled/in-flight/completed counts. Read
// only; it never mutates queue state.
func (q *Queue) Depth(ctx context.Context) (*Depth, error) {
	depth := &Depth{Pending: make(map[models.Priority]int64)}

	for _, priority := range drainOrder {
		n, err := q.client.LLen(ctx, pendingKey(priority)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read queue depth: %w", err)
		}
		depth.Pending[priority] = n
	}

	scheduled, err := q.client.ZCard(ctx, keyScheduled).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduled depth: %w", err)
	}
	depth.Scheduled = scheduled

	inFlight, err := q.client.LLen(ctx, keyInFlight).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read in-flight depth: %w", err)
	}
	depth.InFlight = inFlight

	completedStr, err := q.client.Get(ctx, keyCompleted).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read completed count: %w", err)
	}
	if completedStr != "" {
		completed, err := strconv.ParseInt(completedStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt completed counter: %w", err)
		}
		depth.Completed = completed
	}

	return depth, nil
}

// promoteDue moves scheduled jobs whose time has come onto their
// pending lists. Each member is claimed with an atomic ZRem, so when
// two workers race only the remover that got count 1 pushes.
func (q *Queue) promoteDue(ctx context.Context) error {
	now := time.Now().Unix()
	members, err := q.client.ZRangeByScore(ctx, keyScheduled, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read scheduled jobs: %w", err)
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, keyScheduled, member).Result()
		if err != nil {
			return fmt.Errorf("failed to claim scheduled job: %w", err)
		}
		if removed == 0 {
			// Another worker promoted it first.
			continue
		}

		var job models.RecomputeJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			log.Printf("dropping malformed scheduled job: %v", err)
			continue
		}
		if err := q.client.LPush(ctx, pendingKey(job.Priority), member).Err(); err != nil {
			return fmt.Errorf("failed to promote scheduled job: %w", err)
		}
	}

	return nil
}

func pendingKey(priority models.Priority) string {
	if !priority.Valid() {
		priority = models.PriorityMedium
	}
	return keyPendingPrefix + string(priority)
}
