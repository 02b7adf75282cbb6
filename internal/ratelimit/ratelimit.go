// Package ratelimit implements sliding-window admission control per caller.
package ratelimit

import (
	"context"
	"time"
)

// Window is the fixed sliding window length.
const Window = 60 * time.Second

// Result is the outcome of a single admission check.
type Result struct {
	Allowed bool `json:"allowed"`
	Limit   int  `json:"limit"`
	// Remaining is -1 for unlimited callers.
	Remaining int   `json:"remaining"`
	ResetMs   int64 `json:"reset_ms"`
}

// Limiter decides whether a caller identified by key may proceed.
// A limit <= 0 means unlimited. A denied result is final for the call;
// limiters never retry or wait.
type Limiter interface {
	Check(ctx context.Context, key string, limit int) (Result, error)
}

func unlimited() Result {
	return Result{Allowed: true, Limit: 0, Remaining: -1}
}
