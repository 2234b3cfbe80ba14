// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package forecast

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/soothill/tasmota-energy-ledger/pkg/logger"
)

// DefaultSchedule runs forecasts at 02:00 on the first day of every month.
const DefaultSchedule = "0 2 1 * *"

// Scheduler runs forecast generation on a cron schedule.
type Scheduler struct {
	cronInstance *cron.Cron
	jobID        cron.EntryID
	cancel       context.CancelFunc
}

// NewScheduler registers run on spec. Six-field specs include seconds.
func NewScheduler(spec string, loc *time.Location, run func(ctx context.Context)) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if loc == nil {
		loc = time.Local
	}

	opts := []cron.Option{cron.WithLocation(loc)}
	if strings.Count(strings.TrimSpace(spec), " ") == 5 {
		logger.Warn().Str("schedule", spec).Msg("Forecast schedule has second-level precision")
		opts = append(opts, cron.WithSeconds())
	}
	cronInstance := cron.New(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	jobID, err := cronInstance.AddFunc(spec, func() {
		start := time.Now()
		logger.Info().Msg("Running scheduled forecasts")
		run(ctx)
		logger.Info().Dur("duration", time.Since(start)).Msg("Scheduled forecasts finished")
	})
	if err != nil {
		cancel()
		return nil, err
	}

	logger.Info().Str("schedule", spec).Msg("Forecast schedule enabled")
	return &Scheduler{cronInstance: cronInstance, jobID: jobID, cancel: cancel}, nil
}

// Start begins running the schedule.
func (s *Scheduler) Start() {
	s.cronInstance.Start()
}

// NextRun returns when the job runs next. It is zero before Start.
func (s *Scheduler) NextRun() time.Time {
	return s.cronInstance.Entry(s.jobID).Next
}

// Stop cancels a running job and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.cronInstance.Remove(s.jobID)
	<-s.cronInstance.Stop().Done()
}
