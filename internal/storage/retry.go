package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	saveRetries   = 3
	saveBaseDelay = 20 * time.Millisecond
)

// transientCodes are the Postgres SQLSTATEs after which a whole transaction
// may simply be run again.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && transientCodes[pgErr.Code]
}

// WithRetry runs fn and runs it again, up to retries more times, while it
// fails with a transient conflict. The pause starts at base, doubles each
// attempt and carries up to base of random jitter.
func WithRetry(ctx context.Context, retries int, base time.Duration, fn func() error) error {
	err := fn()
	for delay := base; retries > 0 && isTransient(err); retries-- {
		pause := delay + time.Duration(rand.Int64N(int64(base)+1)) //nolint:gosec // jitter only
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
		delay *= 2
		err = fn()
	}
	return err
}
