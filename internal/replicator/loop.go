package replicator

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// cronLogger adapts logrus to the cron logging interface
type cronLogger struct {
	logger *logrus.Logger
}

func (cl cronLogger) Info(msg string, keysAndValues ...interface{}) {
	cl.logger.Debugf("scheduler: %s %v", msg, keysAndValues)
}

func (cl cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	cl.logger.Errorf("scheduler: %s: %v %v", msg, err, keysAndValues)
}

// Loop repeats Run every configured interval until the context is
// cancelled. An iteration still in flight when the next tick arrives is
// never overlapped; the tick is skipped instead.
func (r *Replicator) Loop(ctx context.Context) error {
	logger := cronLogger{logger: r.Logger}
	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
	), cron.WithLogger(logger))

	spec := fmt.Sprintf("@every %ds", r.Config.Interval)
	_, err := scheduler.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		r.Run(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling replication loop: %w", err)
	}

	r.Logger.Infof("Replicating every %d seconds", r.Config.Interval)

	// Run once immediately; the scheduler handles every following iteration
	r.Run(ctx)

	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()

	return ctx.Err()
}
