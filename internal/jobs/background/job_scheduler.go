package background

import (
	"context"
	"errors"
	"sync"
	"time"

	"bookly/internal/common"
	"bookly/internal/metrics"
	"bookly/internal/models"
	"bookly/internal/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"
)

const (
	JobStalePending = "stale-pending-sweep"
	JobLapsedExpiry = "lapsed-expiry-sweep"

	sweepConcurrency = 5
)

type SweepConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// SweepReport summarises one stale-pending pass.
type SweepReport struct {
	Checked    int `json:"checked"`
	Approved   int `json:"approved"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
	Errors     int `json:"errors"`
}

// JobScheduler runs the billing repair jobs.
type JobScheduler struct {
	scheduler      gocron.Scheduler
	cfg            SweepConfig
	ledger         services.PendingLedger
	activation     services.ActivationService
	reconciliation services.ReconciliationService
	metrics        *metrics.Metrics
	now            common.Clock
	logger         *log.Logger
	jobs           map[string]gocron.Job
	mu             sync.RWMutex
}

// NewJobScheduler creates the scheduler and registers the sweeps.
func NewJobScheduler(cfg SweepConfig, ledger services.PendingLedger, activation services.ActivationService,
	reconciliation services.ReconciliationService, m *metrics.Metrics, now common.Clock, logger *log.Logger) (*JobScheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if m == nil {
		m = metrics.New()
	}
	if now == nil {
		now = common.SystemClock
	}
	if logger == nil {
		logger = common.DiscardLogger()
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	js := &JobScheduler{
		scheduler:      scheduler,
		cfg:            cfg,
		ledger:         ledger,
		activation:     activation,
		reconciliation: reconciliation,
		metrics:        m,
		now:            now,
		logger:         logger,
		jobs:           make(map[string]gocron.Job),
	}

	if err := js.registerJobs(); err != nil {
		return nil, err
	}
	return js, nil
}

// Start starts the job scheduler
func (js *JobScheduler) Start() {
	js.logger.Info("starting background job scheduler")
	js.scheduler.Start()
}

// Stop stops the job scheduler
func (js *JobScheduler) Stop() error {
	js.logger.Info("stopping background job scheduler")
	return js.scheduler.Shutdown()
}

// Jobs returns the registered job names.
func (js *JobScheduler) Jobs() []string {
	js.mu.RLock()
	defer js.mu.RUnlock()

	names := make([]string, 0, len(js.jobs))
	for name := range js.jobs {
		names = append(names, name)
	}
	return names
}

func (js *JobScheduler) registerJobs() error {
	staleJob, err := js.scheduler.NewJob(
		gocron.DurationJob(js.cfg.Interval),
		gocron.NewTask(js.runStalePending),
		gocron.WithName(JobStalePending),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	lapsedJob, err := js.scheduler.NewJob(
		gocron.DurationJob(time.Hour),
		gocron.NewTask(js.runLapsedExpiry),
		gocron.WithName(JobLapsedExpiry),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	js.mu.Lock()
	js.jobs[JobStalePending] = staleJob
	js.jobs[JobLapsedExpiry] = lapsedJob
	js.mu.Unlock()

	js.logger.Infof("registered %d background jobs", len(js.jobs))
	return nil
}

func (js *JobScheduler) runStalePending() {
	ctx, cancel := context.WithTimeout(context.Background(), js.cfg.Interval)
	defer cancel()

	if _, err := js.SweepStalePending(ctx); err != nil {
		js.logger.Errorf("stale pending sweep: %v", err)
	}
}

func (js *JobScheduler) runLapsedExpiry() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := js.ExpireLapsed(ctx); err != nil {
		js.logger.Errorf("lapsed expiry sweep: %v", err)
	}
}

// SweepStalePending re-checks pending ledger rows older than StaleAfter
// against the gateway and settles the ones that have a terminal answer.
func (js *JobScheduler) SweepStalePending(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	payments, err := js.ledger.ListStalePending(ctx, js.now().Add(-js.cfg.StaleAfter), js.cfg.BatchSize)
	if err != nil {
		js.metrics.SweepResults.WithLabelValues(JobStalePending, "error").Inc()
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, payment := range payments {
		g.Go(func() error {
			outcome := js.settle(gctx, payment)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch outcome {
			case services.ActivationApproved:
				report.Approved++
			case services.ActivationFailed:
				report.Failed++
			case services.ActivationProcessing:
				report.Processing++
			default:
				report.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Checked > 0 {
		js.logger.Infoj(log.JSON{
			"event":      "stale_pending_sweep",
			"checked":    report.Checked,
			"approved":   report.Approved,
			"failed":     report.Failed,
			"processing": report.Processing,
			"errors":     report.Errors,
		})
	}
	return report, nil
}

func (js *JobScheduler) settle(ctx context.Context, payment *models.PendingPayment) string {
	result, err := js.activation.ReconcilePending(ctx, payment)
	if err != nil {
		label := "error"
		if errors.Is(err, services.ErrNotFound) {
			label = "unresolved"
		}
		js.metrics.SweepResults.WithLabelValues(JobStalePending, label).Inc()
		js.logger.Warnf("sweep %s: %v", payment.Reference, err)
		return label
	}

	js.metrics.SweepResults.WithLabelValues(JobStalePending, result.Status).Inc()
	return result.Status
}

// ExpireLapsed moves active subscriptions past their expiry to expired.
func (js *JobScheduler) ExpireLapsed(ctx context.Context) (int64, error) {
	n, err := js.reconciliation.ExpireLapsed(ctx)
	if err != nil {
		js.metrics.SweepResults.WithLabelValues(JobLapsedExpiry, "error").Inc()
		return 0, err
	}
	js.metrics.SweepResults.WithLabelValues(JobLapsedExpiry, "ok").Add(float64(n))
	return n, nil
}
