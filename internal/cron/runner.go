package cronrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := zapLogger{l: logger.Named("cron")}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add schedules job. Specs take seconds as the first field and accept descriptors
// such as "@every 30s".
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(spec, func() {
		if r.baseCtx.Err() != nil {
			return
		}
		job(r.baseCtx)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return id, nil
}

// Every schedules job at a fixed interval.
func (r *Runner) Every(d time.Duration, job func(context.Context)) (cron.EntryID, error) {
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", d)
	}
	return r.Add("@every "+d.String(), job)
}

func (r *Runner) Remove(id cron.EntryID) {
	r.cron.Remove(id)
}

func (r *Runner) Entries() int {
	return len(r.cron.Entries())
}

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("entries", r.Entries()))
	r.cron.Start()
}

// Stop prevents new runs and waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

// zapLogger adapts zap to cron.Logger.
type zapLogger struct {
	l *zap.Logger
}

func (z zapLogger) Info(msg string, keysAndValues ...interface{}) {
	z.l.Debug(msg, fields(keysAndValues)...)
}

func (z zapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	z.l.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}
