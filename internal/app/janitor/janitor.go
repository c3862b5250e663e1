/*
Package janitor runs the relay's scheduled housekeeping. Today that is the purge of expired guest
sessions: their open memberships are closed, peers are told the guest left and the sessions are
deleted.
*/
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"roomrelay/internal/app/store"
	"roomrelay/internal/pkg/logx"
)

const purgeTimeout = time.Minute

// Purger deletes expired guest sessions and returns the memberships it closed.
type Purger interface {
	PurgeExpiredGuestSessions(ctx context.Context, now time.Time) ([]store.Membership, error)
}

// Releaser announces memberships closed outside any connection.
type Releaser interface {
	ReleaseMemberships(ctx context.Context, closed []store.Membership)
}

// Janitor owns the cron runner. Overlapping runs of the same job are skipped.
type Janitor struct {
	cron     *cron.Cron
	purger   Purger
	releaser Releaser
	now      func() time.Time

	logger zerolog.Logger
}

// New returns a stopped Janitor.
func New(purger Purger, releaser Releaser) *Janitor {
	logger := logx.Component("janitor")
	cl := cronLogger{logger: logger}

	return &Janitor{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		purger:   purger,
		releaser: releaser,
		now:      time.Now,
		logger:   logger,
	}
}

// Schedule registers the guest purge under spec, a cron expression or "@every <duration>".
func (j *Janitor) Schedule(spec string) error {
	if _, err := j.cron.AddFunc(spec, j.runPurge); err != nil {
		return fmt.Errorf("invalid guest purge schedule %q: %w", spec, err)
	}
	j.logger.Info().Str("schedule", spec).Msg("Guest purge scheduled.")
	return nil
}

// Start runs the scheduler in its own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the scheduler and waits for a running job until ctx is done.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info().Msg("Janitor stopped.")
	case <-ctx.Done():
		j.logger.Warn().Msg("Janitor stop timed out with a job still running.")
	}
}

// PurgeExpiredGuests closes the memberships of expired guests, announces them and returns how
// many were closed.
func (j *Janitor) PurgeExpiredGuests(ctx context.Context) (int, error) {
	closed, err := j.purger.PurgeExpiredGuestSessions(ctx, j.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired guest sessions: %w", err)
	}
	if len(closed) > 0 {
		j.releaser.ReleaseMemberships(ctx, closed)
	}
	return len(closed), nil
}

func (j *Janitor) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()

	n, err := j.PurgeExpiredGuests(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("Guest purge failed.")
		return
	}
	if n > 0 {
		j.logger.Info().Int("memberships_closed", n).Msg("Expired guest sessions purged.")
	}
}

// cronLogger routes cron's own logging into zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
