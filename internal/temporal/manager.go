// Package temporal hosts Hive's maintenance workflows: cold-content
// retention sweeps, continuous-aggregate refreshes and alert cooldown
// purges, each running on a cron against a Temporal server. The whole
// package is opt-in; without HIVE_TEMPORAL_ENABLED the server never
// dials out.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
	logger *slog.Logger
}

// crons is the fixed maintenance cadence: a nightly retention sweep, rollup
// refreshes matching the 15 minute aggregate policy, and an hourly cooldown
// purge offset from the top of the hour.
var crons = []struct {
	id   string
	spec string
	wf   any
	args []any
}{
	{"hive-retention-sweep", "0 3 * * *", RetentionSweepWorkflow, []any{RetentionSweepInput{}}},
	{"hive-aggregate-refresh", "*/15 * * * *", AggregateRefreshWorkflow, nil},
	{"hive-cooldown-purge", "17 * * * *", CooldownPurgeWorkflow, nil},
}

// New creates a Temporal client and worker, registering the maintenance
// workflows and their activities.
func New(cfg Config, acts *Activities, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})

	w.RegisterWorkflow(RetentionSweepWorkflow)
	w.RegisterWorkflow(AggregateRefreshWorkflow)
	w.RegisterWorkflow(CooldownPurgeWorkflow)

	w.RegisterActivity(acts.ListTeams)
	w.RegisterActivity(acts.SweepTeamContent)
	w.RegisterActivity(acts.RefreshTeamAggregates)
	w.RegisterActivity(acts.PurgeCooldowns)

	return &Manager{
		client: c,
		worker: w,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Start begins worker polling and ensures one cron execution exists per
// maintenance workflow. Executions left over from a previous deployment are
// adopted, not duplicated.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.worker.Start(); err != nil {
		m.client.Close()
		return fmt.Errorf("temporal worker start: %w", err)
	}
	for _, c := range crons {
		_, err := m.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:                    c.id,
			TaskQueue:             m.cfg.TaskQueue,
			CronSchedule:          c.spec,
			WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		}, c.wf, c.args...)
		if err != nil {
			var already *serviceerror.WorkflowExecutionAlreadyStarted
			if errors.As(err, &already) {
				continue
			}
			m.Stop()
			return fmt.Errorf("schedule %s: %w", c.id, err)
		}
		m.logger.Info("maintenance cron scheduled",
			slog.String("workflow_id", c.id),
			slog.String("cron", c.spec))
	}
	return nil
}

// Client returns the Temporal client for workflow inspection endpoints.
func (m *Manager) Client() client.Client {
	return m.client
}

// TaskQueue returns the configured task queue name.
func (m *Manager) TaskQueue() string {
	return m.cfg.TaskQueue
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
