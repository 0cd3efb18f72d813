package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

// ConnectWithRetry runs connect with exponential backoff until it succeeds,
// maxElapsed passes or ctx ends. Each failed attempt is logged as a warning
// naming the dependency.
func ConnectWithRetry(
	ctx context.Context,
	log *logger.Logger,
	name string,
	maxElapsed time.Duration,
	connect func() error,
) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = time.Second

	attempt := 0
	operation := func() error {
		attempt++
		if err := connect(); err != nil {
			log.Warn(ctx, "Failed to connect, will retry", "dependency", name, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("failed to connect to %s after %d attempts: %w", name, attempt, err)
	}
	return nil
}
