package ingest

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Poller drives a set of ingest runs on their own cron schedules. It never
// touches mission scheduling — each tick just triggers one run, and
// AddTags'/CreateMission's own dedup/merge rules decide what happens to
// the result.
type Poller struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewPoller returns a Poller ready to have routes added to it.
func NewPoller(logger *slog.Logger) *Poller {
	return &Poller{
		cron:   cron.New(),
		logger: logger.With("component", "ingest_poller"),
	}
}

// Add schedules run to fire on the given cron expression (standard 5-field
// syntax, e.g. "*/10 * * * *" for every 10 minutes). name is used only for
// logging a failed run.
func (p *Poller) Add(spec, name string, run func(ctx context.Context) error) error {
	_, err := p.cron.AddFunc(spec, func() {
		if err := run(context.Background()); err != nil {
			p.logger.Error("ingest run failed", "source", name, "error", err)
		}
	})
	return err
}

// Run blocks, firing scheduled ingest passes until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.cron.Start()
	p.logger.Info("ingest poller started")
	<-ctx.Done()
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.logger.Info("ingest poller stopped")
}
