package onair

import "context"

// JobName is the display name of the scheduled refresh.
const JobName = "OnAir Data Refresh"

// JobConfig schedules the refresh.
type JobConfig struct {
	Cron   string
	Retry  int
	RunNow bool
}

// DefaultJobConfig runs daily at midnight and once at startup.
func DefaultJobConfig() JobConfig {
	return JobConfig{Cron: "0 0 0 * * *", Retry: 1, RunNow: true}
}

// RefreshJob adapts Service.Refresh to the scheduler.
type RefreshJob struct {
	service *Service
	cfg     JobConfig
}

// NewRefreshJob creates the job. Empty fields take DefaultJobConfig values.
func NewRefreshJob(service *Service, cfg JobConfig) *RefreshJob {
	def := DefaultJobConfig()
	if cfg.Cron == "" {
		cfg.Cron = def.Cron
	}
	if cfg.Retry <= 0 {
		cfg.Retry = def.Retry
	}
	return &RefreshJob{service: service, cfg: cfg}
}

func (j *RefreshJob) Name() string { return JobName }
func (j *RefreshJob) Cron() string { return j.cfg.Cron }
func (j *RefreshJob) Retry() int   { return j.cfg.Retry }
func (j *RefreshJob) RunNow() bool { return j.cfg.RunNow }

// Run performs one refresh.
func (j *RefreshJob) Run(ctx context.Context) error {
	_, err := j.service.Refresh(ctx)
	return err
}
