package sso

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/idhub/pkg/observability"
)

// Purger drops every cached entry
type Purger interface {
	Purge()
}

// MetadataRefresher periodically purges cached protocol handlers so
// discovery documents, signing keys, and IdP metadata are fetched again.
type MetadataRefresher struct {
	cron    *cron.Cron
	target  Purger
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewMetadataRefresher schedules target.Purge on spec, a standard cron
// expression or descriptor such as "@every 1h".
func NewMetadataRefresher(spec string, target Purger, logger *observability.Logger, metrics *observability.Metrics) (*MetadataRefresher, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	r := &MetadataRefresher{
		cron:    cron.New(),
		target:  target,
		logger:  logger,
		metrics: metrics,
	}
	if _, err := r.cron.AddFunc(spec, r.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid metadata refresh schedule %q: %w", spec, err)
	}
	return r, nil
}

// RunOnce purges immediately
func (r *MetadataRefresher) RunOnce() {
	defer observability.RecoverPanic(r.logger, "metadata refresh")
	r.target.Purge()
	r.metrics.OptionsInvalidation("refresh")
	r.logger.Debug("Purged cached provider handlers")
}

// Start runs the schedule in the background
func (r *MetadataRefresher) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running purge, or for ctx.
func (r *MetadataRefresher) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
