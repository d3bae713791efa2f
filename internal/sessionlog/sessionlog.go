// Package sessionlog records one row per completed covert session to a CSV
// file, the Go-native stand-in for the original experiment driver's
// bookkeeping (see original_source/code/sec/run_experiments.py), optionally
// fronted by a Redis cache of the most recent session's stats.
package sessionlog

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var csvHeader = []string{
	"timestamp", "mode", "covert_len", "carrier_len", "capacity",
	"transmitted", "elapsed_ms", "window", "timeout_ms", "max_transmissions",
	"mitigation",
}

// Record is one completed session's bookkeeping row.
type Record struct {
	Timestamp        time.Time
	Mode             string
	CovertLen        int
	CarrierLen       int
	Capacity         float64
	Transmitted      int
	Elapsed          time.Duration
	Window           int
	Timeout          time.Duration
	MaxTransmissions int
	Mitigation       bool
}

func (r Record) row() []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Mode,
		strconv.Itoa(r.CovertLen),
		strconv.Itoa(r.CarrierLen),
		strconv.FormatFloat(r.Capacity, 'f', 6, 64),
		strconv.Itoa(r.Transmitted),
		strconv.FormatInt(r.Elapsed.Milliseconds(), 10),
		strconv.Itoa(r.Window),
		strconv.FormatInt(r.Timeout.Milliseconds(), 10),
		strconv.Itoa(r.MaxTransmissions),
		strconv.FormatBool(r.Mitigation),
	}
}

// Logger appends Records to a CSV file and, when a Redis address was
// configured, mirrors the latest Record into a small last-session-stats
// cache so a dashboard can poll Redis instead of tailing the CSV.
type Logger struct {
	mu   sync.Mutex
	path string

	redis *redis.Client
	ctx   context.Context
}

// Option configures optional Logger behavior.
type Option func(*Logger)

// WithRedis enables the last-session-stats cache against addr. A connection
// failure here is not fatal to session logging: CSV writes still proceed if
// Redis is ever unreachable.
func WithRedis(addr string) Option {
	return func(l *Logger) {
		l.redis = redis.NewClient(&redis.Options{Addr: addr})
	}
}

// New creates a Logger appending to path, creating the file and its CSV
// header if it does not already exist.
func New(path string, opts ...Option) (*Logger, error) {
	l := &Logger{path: path, ctx: context.Background()}
	for _, opt := range opts {
		opt(l)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("sessionlog: create %s: %w", path, err)
		}
		w := csv.NewWriter(f)
		if err := w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("sessionlog: write header: %w", err)
		}
		w.Flush()
		f.Close()
	}
	return l, nil
}

// Append writes one session record to the CSV file and, if configured,
// refreshes the Redis last-session-stats key. It returns the first error
// encountered; a Redis failure does not block the CSV write.
func (l *Logger) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sessionlog: open %s: %w", l.path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(r.row()); err != nil {
		return fmt.Errorf("sessionlog: write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("sessionlog: flush: %w", err)
	}

	if l.redis != nil {
		if err := l.cacheLastSession(r); err != nil {
			return fmt.Errorf("sessionlog: cache last session: %w", err)
		}
	}
	return nil
}

func (l *Logger) cacheLastSession(r Record) error {
	fields := map[string]interface{}{
		"timestamp":   r.Timestamp.UTC().Format(time.RFC3339Nano),
		"mode":        r.Mode,
		"capacity":    r.Capacity,
		"transmitted": r.Transmitted,
		"elapsed_ms":  r.Elapsed.Milliseconds(),
	}
	return l.redis.HSet(l.ctx, "covertchan:last_session", fields).Err()
}

// Close releases the Redis connection, if any.
func (l *Logger) Close() error {
	if l.redis != nil {
		return l.redis.Close()
	}
	return nil
}
