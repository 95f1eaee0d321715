package budget

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"aoer-pipeline/internal/alert"
	"aoer-pipeline/internal/metrics"
)

// Period identifies a budget bucket.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

var ErrUnknownPeriod = errors.New("unknown budget period")

const (
	keyPrefix = "aoer:budget:"

	// Counter keys outlive their period slightly so Status can still
	// report a just-rolled period; rollover itself is implicit in the
	// period-keyed naming.
	dayKeyTTL   = 48 * time.Hour
	monthKeyTTL = 62 * 24 * time.Hour

	defaultAlertThreshold = 0.80
)

// Decision is the advisory answer to "may I spend one more query".
// The ledger never blocks anything on its own; callers must honor it.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Remaining int64  `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// PeriodStatus reports consumption against one period's cap.
type PeriodStatus struct {
	Period     string  `json:"period"`
	Used       int64   `json:"used"`
	Limit      int64   `json:"limit"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
	Cost       float64 `json:"cost"`
}

// Status reports both periods.
type Status struct {
	Daily   PeriodStatus `json:"daily"`
	Monthly PeriodStatus `json:"monthly"`
}

// Ledger hard-caps the number and cost of billed operations per
// calendar day and month. Counters live in Redis keyed by period
// string, so every worker process shares one ledger and a new period
// implicitly starts from zero.
type Ledger struct {
	client         *redis.Client
	dailyLimit     int64
	monthlyLimit   int64
	defaultCost    float64
	alertThreshold float64
	sink           alert.Sink
	metrics        *metrics.Metrics
	now            func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDefaultCost sets the per-query cost applied when RecordQuery is
// called without one.
func WithDefaultCost(cost float64) Option {
	return func(l *Ledger) { l.defaultCost = cost }
}

// WithAlertThreshold sets the consumed fraction (0.80 = 80%) at which
// alerts fire.
func WithAlertThreshold(threshold float64) Option {
	return func(l *Ledger) { l.alertThreshold = threshold }
}

// WithSink routes alerts somewhere other than the process log.
func WithSink(sink alert.Sink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithMetrics wires the denial counter.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock injects the clock used for period keys, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger with the given daily and monthly query
// caps.
func NewLedger(client *redis.Client, dailyLimit, monthlyLimit int64, opts ...Option) *Ledger {
	l := &Ledger{
		client:         client,
		dailyLimit:     dailyLimit,
		monthlyLimit:   monthlyLimit,
		alertThreshold: defaultAlertThreshold,
		sink:           alert.LogSink{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CanMakeQuery reports whether one more billed query fits under both
// caps. Advisory only.
func (l *Ledger) CanMakeQuery(ctx context.Context) (Decision, error) {
	return l.CanAffordBatch(ctx, 1)
}

// CanAffordBatch reports whether n billed queries fit under both caps.
// When denied, Reason names the constraining limit.
func (l *Ledger) CanAffordBatch(ctx context.Context, n int) (Decision, error) {
	daily, monthly, err := l.queryCounts(ctx)
	if err != nil {
		return Decision{}, err
	}

	dailyRemaining := l.dailyLimit - daily
	monthlyRemaining := l.monthlyLimit - monthly

	remaining := dailyRemaining
	if monthlyRemaining < remaining {
		remaining = monthlyRemaining
	}
	if remaining < 0 {
		remaining = 0
	}

	if dailyRemaining < int64(n) {
		l.countDenial()
		return Decision{
			Remaining: remaining,
			Reason:    fmt.Sprintf("daily query limit reached (%d/%d used)", daily, l.dailyLimit),
		}, nil
	}
	if monthlyRemaining < int64(n) {
		l.countDenial()
		return Decision{
			Remaining: remaining,
			Reason:    fmt.Sprintf("monthly query limit reached (%d/%d used)", monthly, l.monthlyLimit),
		}, nil
	}

	return Decision{Allowed: true, Remaining: remaining}, nil
}

// RecordQuery increments both periods' query counters and cost totals,
// then fires an alert if either period crossed the threshold with this
// call. Must be called exactly once per actual billed query.
func (l *Ledger) RecordQuery(ctx context.Context, provider string, cost float64) error {
	if cost <= 0 {
		cost = l.defaultCost
	}
	now := l.now()

	pipe := l.client.TxPipeline()
	dailyIncr := pipe.Incr(ctx, l.queryKey(PeriodDaily, now))
	monthlyIncr := pipe.Incr(ctx, l.queryKey(PeriodMonthly, now))
	pipe.IncrByFloat(ctx, l.costKey(PeriodDaily, now), cost)
	pipe.IncrByFloat(ctx, l.costKey(PeriodMonthly, now), cost)
	pipe.Expire(ctx, l.queryKey(PeriodDaily, now), dayKeyTTL)
	pipe.Expire(ctx, l.costKey(PeriodDaily, now), dayKeyTTL)
	pipe.Expire(ctx, l.queryKey(PeriodMonthly, now), monthKeyTTL)
	pipe.Expire(ctx, l.costKey(PeriodMonthly, now), monthKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record query for %s: %w", provider, err)
	}

	l.maybeAlert(PeriodDaily, dailyIncr.Val(), l.dailyLimit)
	l.maybeAlert(PeriodMonthly, monthlyIncr.Val(), l.monthlyLimit)
	return nil
}

// Status reports used/limit/remaining/percentage and cost for both
// periods. Read-only.
func (l *Ledger) Status(ctx context.Context) (*Status, error) {
	now := l.now()

	daily, monthly, err := l.queryCounts(ctx)
	if err != nil {
		return nil, err
	}

	dailyCost, err := l.costTotal(ctx, l.costKey(PeriodDaily, now))
	if err != nil {
		return nil, err
	}
	monthlyCost, err := l.costTotal(ctx, l.costKey(PeriodMonthly, now))
	if err != nil {
		return nil, err
	}

	return &Status{
		Daily:   periodStatus(now.Format("2006-01-02"), daily, l.dailyLimit, dailyCost),
		Monthly: periodStatus(now.Format("2006-01"), monthly, l.monthlyLimit, monthlyCost),
	}, nil
}

// Reset zeroes one period's counters. Administrative override only;
// normal rollover happens implicitly through period-keyed counters.
func (l *Ledger) Reset(ctx context.Context, period Period) error {
	if period != PeriodDaily && period != PeriodMonthly {
		return ErrUnknownPeriod
	}
	now := l.now()
	if err := l.client.Del(ctx, l.queryKey(period, now), l.costKey(period, now)).Err(); err != nil {
		return fmt.Errorf("failed to reset %s budget: %w", period, err)
	}
	log.Printf("budget counters reset, period=%s", period)
	return nil
}

// maybeAlert fires when this increment crossed the threshold, not on
// every call past it, so a near-cap ledger does not spam the sink.
// Delivery is fire-and-forget.
func (l *Ledger) maybeAlert(period Period, used, limit int64) {
	if limit <= 0 {
		return
	}
	threshold := l.alertThreshold * float64(limit)
	if float64(used) < threshold || float64(used-1) >= threshold {
		return
	}

	event := alert.Event{
		Period:     string(period),
		Percentage: 100 * float64(used) / float64(limit),
		Used:       used,
		Limit:      limit,
		Remaining:  limit - used,
		Timestamp:  l.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.sink.Notify(ctx, event); err != nil {
			log.Printf("error delivering budget alert: %v", err)
		}
	}()
}

func (l *Ledger) queryCounts(ctx context.Context) (daily, monthly int64, err error) {
	now := l.now()
	values, err := l.client.MGet(ctx, l.queryKey(PeriodDaily, now), l.queryKey(PeriodMonthly, now)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read budget counters: %w", err)
	}
	daily, err = counterValue(values[0])
	if err != nil {
		return 0, 0, err
	}
	monthly, err = counterValue(values[1])
	if err != nil {
		return 0, 0, err
	}
	return daily, monthly, nil
}

func (l *Ledger) costTotal(ctx context.Context, key string) (float64, error) {
	raw, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cost total: %w", err)
	}
	total, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cost counter: %w", err)
	}
	return total, nil
}

func (l *Ledger) countDenial() {
	if l.metrics != nil {
		l.metrics.IncrementBudgetDenials()
	}
}

func (l *Ledger) queryKey(period Period, now time.Time) string {
	return keyPrefix + "queries:" + periodBucket(period, now)
}

func (l *Ledger) costKey(period Period, now time.Time) string {
	return keyPrefix + "cost:" + periodBucket(period, now)
}

func periodBucket(period Period, now time.Time) string {
	if period == PeriodMonthly {
		return "month:" + now.Format("2006-01")
	}
	return "day:" + now.Format("2006-01-02")
}

func periodStatus(bucket string, used, limit int64, cost float64) PeriodStatus {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	var pct float64
	if limit > 0 {
		pct = 100 * float64(used) / float64(limit)
	}
	return PeriodStatus{
		Period:     bucket,
		Used:       used,
		Limit:      limit,
		Remaining:  remaining,
		Percentage: pct,
		Cost:       cost,
	}
}

func counterValue(raw interface{}) (int64, error) {
	if raw == nil {
		return 0, nil
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected counter type %T", raw)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt budget counter: %w", err)
	}
	return n, nil
}
