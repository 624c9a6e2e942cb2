// Package contxt builds contexts for background jobs.
package contxt

import (
	"context"
	"os"
	"time"
)

// NewContext returns a context bounded by timeout. Setting CONTEXT_TEST
// drops the deadline.
func NewContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if os.Getenv("CONTEXT_TEST") != "" {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}
