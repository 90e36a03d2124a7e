package cdn

import "errors"

// ErrBudgetExhausted is returned by callers of RunOnce when they want to
// distinguish a fully-saturated distribution from a genuine provider error;
// RunOnce itself does not return this (it just returns nil and does
// nothing), but reconciler wiring can use it for metrics.
var ErrBudgetExhausted = errors.New("cdn: invalidation budget exhausted for distribution")
