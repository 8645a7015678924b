// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Config describes an exponential backoff policy bounded by both an attempt count and a total
// elapsed time budget.
type Config struct {
	// MaxAttempts bounds the retries that follow the first call.
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	// Jitter is the fraction of each delay that is randomized, in [0, 1].
	Jitter     float64       `mapstructure:"jitter"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 300 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
		MaxElapsed:   60 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxAttempts <= 0:
		return errors.New("retry: max attempts must be positive")
	case c.InitialDelay < 0 || c.MaxDelay < c.InitialDelay:
		return errors.New("retry: invalid delay bounds")
	case c.Multiplier < 1:
		return errors.New("retry: multiplier must be >= 1")
	case c.Jitter < 0 || c.Jitter > 1:
		return errors.New("retry: jitter must be within [0, 1]")
	}
	return nil
}

// Delay returns the wait before the given zero-based retry attempt, without jitter.
func (c Config) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Backoff tracks the progress of one retry sequence.
type Backoff struct {
	cfg       Config
	attempt   int
	startedAt time.Time
	rand      *rand.Rand

	now func() time.Time
}

func NewBackoff(cfg Config) *Backoff {
	return &Backoff{
		cfg:       cfg,
		startedAt: time.Now(),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

func (b *Backoff) Attempt() int {
	return b.attempt
}

// Next returns the delay before the next attempt, or false once either budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.cfg.MaxAttempts {
		return 0, false
	}

	delay := b.cfg.Delay(b.attempt)
	if b.cfg.Jitter > 0 && delay > 0 {
		spread := float64(delay) * b.cfg.Jitter
		delay = time.Duration(float64(delay) - spread + b.rand.Float64()*2*spread)
	}
	if b.cfg.MaxElapsed > 0 && b.now().Add(delay).Sub(b.startedAt) > b.cfg.MaxElapsed {
		return 0, false
	}

	b.attempt++
	return delay, true
}

// Do runs fn until it succeeds, fn reports the error as permanent, the budget runs out or ctx is
// cancelled. The first call happens immediately.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) error) error {
	b := NewBackoff(cfg)
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		delay, ok := b.Next()
		if !ok {
			return errors.Join(ErrBudgetExhausted, lastErr)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Do stops retrying and returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
