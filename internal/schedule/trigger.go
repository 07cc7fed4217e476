package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/tenantlytics/pkg/models"
	"github.com/robfig/cron/v3"
)

// Clock owns installed triggers. *cron.Cron satisfies it.
type Clock interface {
	Schedule(s cron.Schedule, job cron.Job) cron.EntryID
	Remove(id cron.EntryID)
	Start()
	Stop() context.Context
}

// NewCronClock returns a cron clock evaluating calendar frequencies in UTC.
func NewCronClock() *cron.Cron {
	return cron.New(cron.WithLocation(time.UTC))
}

var calendarSpecs = map[models.Frequency]string{
	models.FrequencyHourly:  "0 * * * *",
	models.FrequencyDaily:   "0 0 * * *",
	models.FrequencyWeekly:  "0 0 * * 0",
	models.FrequencyMonthly: "0 0 1 * *",
}

// CronSpec returns the five-field cron expression of a calendar frequency.
func CronSpec(freq models.Frequency) (string, bool) {
	spec, ok := calendarSpecs[freq]
	return spec, ok
}

// TriggerSchedule maps a frequency to when it fires. Calendar frequencies
// fire at the top of the period in UTC; custom fires every interval minutes.
func TriggerSchedule(freq models.Frequency, interval *int) (cron.Schedule, error) {
	if freq == models.FrequencyCustom {
		if interval == nil || *interval <= 0 {
			return nil, fmt.Errorf("%w: custom frequency requires a positive interval", ErrInvalidArgument)
		}
		return cron.Every(time.Duration(*interval) * time.Minute), nil
	}

	spec, ok := CronSpec(freq)
	if !ok {
		return nil, fmt.Errorf("%w: unknown frequency %q", ErrInvalidArgument, freq)
	}
	sched, err := cron.ParseStandard("CRON_TZ=UTC " + spec)
	if err != nil {
		return nil, fmt.Errorf("parsing cron spec %q: %w", spec, err)
	}
	return sched, nil
}
