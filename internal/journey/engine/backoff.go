package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/blake3"
)

// BackoffConfig configures retry delays for transient gateway failures.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// Retry parameters are fixed, not inferred: 3 retries after the first
// attempt, 250ms base, factor 2, 5s cap, deterministic jitter.
const defaultMaxAttempts = 4

func defaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 250,
		BackoffFactor:  2.0,
		MaxDelayMS:     5_000,
		Jitter:         true,
	}
}

// DelayForAttempt computes the delay before retry number attempt (1-indexed).
// Jitter is deterministic in the seed so a run's retry schedule is replayable.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		// [0.5, 1.5), applied after capping.
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func retrySeed(runID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, stepID, attempt)
}

// sleepWithContext waits for delay or until ctx is done; returns false when
// interrupted.
func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
