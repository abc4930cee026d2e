package cronrunner

import (
	"context"

	"github.com/robfig/cron/v3"

	"restaurant-payouts/internal/common/logger"
)

// Runner runs jobs on second-resolution cron specs. A job is skipped while its previous run is still going.
type Runner struct {
	cron    *cron.Cron
	lg      *logger.Logger
	baseCtx context.Context
}

func New(lg *logger.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		lg:      lg,
		baseCtx: baseCtx,
	}
}

func (r *Runner) Add(name, spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		if r.baseCtx.Err() != nil {
			return
		}
		r.lg.Debug("cron_job_started", map[string]any{"job": name})
		job(r.baseCtx)
	})
}

func (r *Runner) Start() {
	r.lg.Info("cron_started", map[string]any{"jobs": len(r.cron.Entries())})
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.lg.Info("cron_stopped", nil)
}
