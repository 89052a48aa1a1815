package startup

import (
	"context"
	"os"
	"time"

	"github.com/rideshare/internal/logger"
)

const (
	firstBackoff = 2 * time.Second
	maxBackoff   = 30 * time.Second
)

// retry вызывает attempt до успеха, удваивая паузу до maxBackoff.
// После maxWait процесс завершается: без хранилища шлюз бесполезен.
func retry(what string, maxWait time.Duration, logPrefix string, attempt func(ctx context.Context) error) {
	deadline := time.Now().Add(maxWait)
	backoff := firstBackoff
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := attempt(ctx)
		cancel()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			logger.Errorf("%s%s (gave up after %v): %v", logPrefix, what, maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, what, backoff, err)
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
