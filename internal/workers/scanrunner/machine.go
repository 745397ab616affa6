package scanrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

// Step executes one stage of a scan. Errors it returns are final: transient
// failures are retried inside the step through StepContext.Do.
type Step interface {
	Run(ctx context.Context, sc *StepContext) error
}

// StepFunc adapts a function to Step.
type StepFunc func(ctx context.Context, sc *StepContext) error

func (f StepFunc) Run(ctx context.Context, sc *StepContext) error { return f(ctx, sc) }

// StepContext is a step's handle on the scan it belongs to.
type StepContext struct {
	Scan  domain.Scan
	Job   domain.Job
	Brand domain.Brand

	step    domain.Step
	base    int
	retries *Budget
	m       *Machine
}

func (sc *StepContext) Step() domain.Step { return sc.step }

func (sc *StepContext) Logger() *slog.Logger {
	return sc.m.logger.With("scan_id", sc.Scan.ID, "step", sc.step)
}

// Do runs fn under the machine's retry policy. All calls within a step draw
// from one retry budget, so a step fails once its retries together exceed
// the cap. Each retry is recorded on the scan's retry counter.
func (sc *StepContext) Do(ctx context.Context, fn func(context.Context) error) error {
	return sc.m.retry.Do(ctx, sc.retries, fn, func(err error) {
		sc.Logger().Warn("retrying after transient error", "error", err)
		if rerr := sc.m.jobs.IncrementRetry(context.WithoutCancel(ctx), sc.Scan.ID); rerr != nil {
			sc.Logger().Error("increment retry count", "error", rerr)
		}
	})
}

// Progress reports done of total units in the current step.
func (sc *StepContext) Progress(ctx context.Context, done, total int) error {
	overall := sc.base
	if total > 0 {
		done = min(done, total)
		overall += sc.step.Weight() * done / total
	}
	return sc.m.jobs.UpdateProgress(ctx, sc.Scan.ID, domain.Progress{
		Step:         sc.step,
		StepProgress: done,
		StepTotal:    total,
		Overall:      overall,
	})
}

func (sc *StepContext) Count(ctx context.Context, c domain.Counters) error {
	if c == (domain.Counters{}) {
		return nil
	}
	return sc.m.jobs.AddCounters(ctx, sc.Scan.ID, c)
}

// Machine drives one scan job through its steps.
type Machine struct {
	jobs    ports.JobRepository
	scans   ports.ScanRepository
	brands  ports.BrandRepository
	steps   map[domain.Step]Step
	retry   RetryPolicy
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Machine)

func WithRetryPolicy(p RetryPolicy) Option { return func(m *Machine) { m.retry = p } }

// WithTimeout caps the wall-clock time of a whole scan. Zero disables it.
func WithTimeout(d time.Duration) Option { return func(m *Machine) { m.timeout = d } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStep registers the executor for a step. A planned step without an
// executor is skipped.
func WithStep(s domain.Step, exec Step) Option {
	return func(m *Machine) { m.steps[s] = exec }
}

func NewMachine(jobs ports.JobRepository, scans ports.ScanRepository, brands ports.BrandRepository, opts ...Option) *Machine {
	m := &Machine{
		jobs:   jobs,
		scans:  scans,
		brands: brands,
		steps:  make(map[domain.Step]Step),
		retry:  DefaultRetryPolicy(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Execute runs a claimed job to a terminal state. The returned error is the
// reason the scan failed, or nil for completed and cancelled scans.
func (m *Machine) Execute(ctx context.Context, job domain.Job) error {
	// terminal writes must land even if the scan context expired
	final := context.WithoutCancel(ctx)
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	log := m.logger.With("scan_id", job.ScanID, "job_id", job.ID, "brand_id", job.BrandID)

	err := m.run(ctx, job, log)
	switch {
	case errors.Is(err, errCancelled):
		log.Info("scan cancelled")
		return m.jobs.MarkCancelled(final, job.ID)
	case err == nil:
		log.Info("scan completed")
		return m.jobs.MarkCompleted(final, job.ID)
	}

	reason := err.Error()
	if m.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: scan exceeded %s", domain.ErrTimeout, m.timeout)
		reason = err.Error()
	}
	log.Error("scan failed", "error", reason)
	if merr := m.jobs.MarkFailed(final, job.ID, reason); merr != nil {
		return errors.Join(err, merr)
	}
	return err
}

var errCancelled = errors.New("scan cancelled")

func (m *Machine) run(ctx context.Context, job domain.Job, log *slog.Logger) error {
	scan, err := m.scans.GetScan(ctx, job.ScanID)
	if err != nil {
		return fmt.Errorf("load scan: %w", err)
	}
	if err := job.Payload.Validate(); err != nil {
		return err
	}
	brand, err := m.brands.GetBrand(ctx, job.BrandID)
	if err != nil {
		return fmt.Errorf("load brand: %w", err)
	}
	if domain.NormalizeDomain(brand.Domain) == "" && brand.Name == "" {
		return fmt.Errorf("brand %s has neither a domain nor a name", brand.ID)
	}

	plan := scan.Type.Plan()
	base := 0
	for _, step := range domain.Steps {
		if err := m.checkRunning(ctx, job.ScanID); err != nil {
			return err
		}
		exec, ok := m.steps[step]
		if !plan[step] || !ok {
			base += step.Weight()
			if err := m.jobs.UpdateProgress(ctx, job.ScanID, domain.Progress{Step: step, Overall: base}); err != nil {
				return fmt.Errorf("record skipped step: %w", err)
			}
			continue
		}

		sc := &StepContext{Scan: scan, Job: job, Brand: brand, step: step, base: base, retries: m.retry.NewBudget(), m: m}
		if err := sc.Progress(ctx, 0, 0); err != nil {
			return fmt.Errorf("record step start: %w", err)
		}
		started := time.Now()
		if err := exec.Run(ctx, sc); err != nil {
			// stored verbatim; the step is in current_step
			log.Warn("step failed", "step", step, "error", err)
			return err
		}
		base += step.Weight()
		if err := m.jobs.UpdateProgress(ctx, job.ScanID, domain.Progress{Step: step, Overall: base}); err != nil {
			return fmt.Errorf("record step end: %w", err)
		}
		log.Debug("step finished", "step", step, "took", time.Since(started))
	}
	return m.checkRunning(ctx, job.ScanID)
}

// checkRunning is the step-boundary cancellation check.
func (m *Machine) checkRunning(ctx context.Context, scanID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status, err := m.jobs.ScanStatus(ctx, scanID)
	if err != nil {
		return fmt.Errorf("read scan status: %w", err)
	}
	if status != domain.StatusRunning {
		return errCancelled
	}
	return nil
}
