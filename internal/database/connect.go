package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const connectBackoff = 500 * time.Millisecond

// waitUntilReady pings until it succeeds, attempts run out or ctx ends. The
// pause doubles after each failure.
func waitUntilReady(ctx context.Context, log zerolog.Logger, name string, attempts int, ping func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	pause := connectBackoff
	var err error
	for i := 1; i <= attempts; i++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}

		log.Warn().Err(err).
			Str("store", name).
			Int("attempt", i).
			Dur("retry_in", pause).
			Msg("Store not reachable yet")

		select {
		case <-ctx.Done():
			return fmt.Errorf("ping %s: %w", name, ctx.Err())
		case <-time.After(pause):
		}
		pause *= 2
	}
	return fmt.Errorf("ping %s after %d attempts: %w", name, attempts, err)
}
