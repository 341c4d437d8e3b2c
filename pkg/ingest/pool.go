package ingest

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// runPool feeds ids to a bounded set of workers. Each id is handled by
// exactly one worker. The first error returned by fn cancels the remaining
// work and is returned; ids not yet started are left untouched.
func runPool(ctx context.Context, workers int, ids []string, logger zerolog.Logger, fn func(ctx context.Context, id string) error) error {
	if len(ids) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(ids) {
		workers = len(ids)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan string)
	go func() {
		defer close(queue)
		for _, id := range ids {
			select {
			case queue <- id:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			handled := 0
			for id := range queue {
				if ctx.Err() != nil {
					return
				}
				if err := fn(ctx, id); err != nil {
					once.Do(func() {
						firstErr = err
						cancel()
					})
					logger.Debug().
						Int("worker_id", workerID).
						Int("entities_processed", handled).
						Msg("Worker stopping (run-fatal error)")
					return
				}
				handled++
			}
			if handled > 0 {
				logger.Debug().
					Int("worker_id", workerID).
					Int("entities_processed", handled).
					Msg("Worker completed")
			}
		}(i)
	}
	wg.Wait()

	return firstErr
}
