package cron

import "errors"

// Scheduler errors. Returned errors wrap these with the job name or schedule.
var (
	ErrJobNotFound     = errors.New("cron: no such job")
	ErrJobExists       = errors.New("cron: duplicate job name")
	ErrJobRunning      = errors.New("cron: previous run still in progress")
	ErrInvalidSchedule = errors.New("cron: invalid schedule")
)
