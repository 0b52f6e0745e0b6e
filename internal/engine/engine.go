package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/tremor/internal/calc"
	"github.com/seantiz/tremor/internal/callback"
	"github.com/seantiz/tremor/internal/model"
	"github.com/seantiz/tremor/internal/safely"
	"github.com/seantiz/tremor/internal/store"
	"github.com/seantiz/tremor/internal/workspace"
)

var (
	hazardCandidates = []string{"job_hazard.ini", "job.ini"}
	riskCandidates   = []string{"job_risk.ini", "job.ini"}
)

// Candidates returns the job type of a submission and the definition file
// names to look for, most specific first. Any hazard reference makes it a
// risk job.
func Candidates(hazardOutputID, hazardJobID string) (string, []string) {
	if hazardOutputID != "" || hazardJobID != "" {
		return model.JobTypeRisk, riskCandidates
	}
	return model.JobTypeHazard, hazardCandidates
}

// Notifier delivers callback payloads.
type Notifier interface {
	Notify(ctx context.Context, url string, p callback.Payload) error
}

// Config tunes the engine.
type Config struct {
	Workers   int
	QueueSize int
	// JobTimeout bounds each calculation; zero means no limit.
	JobTimeout time.Duration
	// LogLevel is the calculation log level of new jobs.
	LogLevel string
	// CallbackOnNoCandidates also notifies the callback URL when an upload
	// holds no job definition.
	CallbackOnNoCandidates bool
}

// Deps are the collaborators of the engine.
type Deps struct {
	Store    store.Store
	Stager   *workspace.Stager
	Loader   calc.Loader
	Registry *calc.Registry
	Notifier Notifier
	Logger   *slog.Logger
}

// Submission is one client request to run a calculation.
type Submission struct {
	Upload         workspace.Upload
	Owner          string
	CallbackURL    string
	ForeignCalcID  string
	HazardOutputID string
	HazardJobID    string
}

// Engine dispatches submissions and executes jobs.
type Engine struct {
	cfg      Config
	store    store.Store
	stager   *workspace.Stager
	loader   calc.Loader
	registry *calc.Registry
	notifier Notifier
	logger   *slog.Logger
	broker   *LogBroker
	pool     *Pool

	// mu guards closed and wg.Go against Close's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEngine creates an engine and starts its workers.
func NewEngine(cfg Config, d Deps) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    d.Store,
		stager:   d.Stager,
		loader:   d.Loader,
		registry: d.Registry,
		notifier: d.Notifier,
		logger:   d.Logger,
		broker:   NewLogBroker(),
	}
	e.pool = NewPool(cfg.Workers, cfg.QueueSize, e.execute)
	return e
}

// Broker returns the engine's log broker for live log subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Run stages the upload, loads the job definition and queues the job. It
// returns the pending job as the loader created it and never waits for the
// calculation. On success the queued task owns the workspace; on failure the
// workspace is gone before Run returns.
func (e *Engine) Run(ctx context.Context, sub Submission) (*model.Job, error) {
	jobType, candidates := Candidates(sub.HazardOutputID, sub.HazardJobID)

	staged, err := safely.Call(func() (*workspace.Staged, error) {
		return e.stager.Stage(sub.Upload, candidates)
	})
	if err != nil {
		submissionsTotal.WithLabelValues("staging_failed").Inc()
		e.notify(sub.CallbackURL, callback.Payload{
			Status:               model.StatusFailed,
			ErrorInfo:            err.Error(),
			ForeignCalculationID: sub.ForeignCalcID,
		})
		return nil, err
	}
	ws := staged.Workspace

	if len(staged.Candidates) == 0 {
		e.removeWorkspace(ws)
		submissionsTotal.WithLabelValues("no_candidates").Inc()
		err := fmt.Errorf("%w of the form %s", ErrNoCandidateFiles, strings.Join(candidates, " or "))
		if e.cfg.CallbackOnNoCandidates {
			e.notify(sub.CallbackURL, callback.Payload{
				Status:               model.StatusFailed,
				ErrorInfo:            err.Error(),
				ForeignCalculationID: sub.ForeignCalcID,
			})
		}
		return nil, err
	}

	definition := staged.Candidates[0]
	job, err := safely.Call(func() (*model.Job, error) {
		return e.loader.Load(ctx, calc.LoadRequest{
			DefinitionPath: definition,
			Owner:          sub.Owner,
			LogLevel:       e.cfg.LogLevel,
			JobType:        jobType,
			HazardOutputID: sub.HazardOutputID,
			HazardJobID:    sub.HazardJobID,
		})
	})
	if err != nil {
		e.removeWorkspace(ws)
		submissionsTotal.WithLabelValues("load_failed").Inc()
		lerr := &LoaderError{Definition: ws.Rel(definition), Err: err}
		e.notify(sub.CallbackURL, callback.Payload{
			Status:               model.StatusFailed,
			ErrorInfo:            lerr.Error(),
			ForeignCalculationID: sub.ForeignCalcID,
		})
		return nil, lerr
	}

	task := Task{
		JobID:          job.ID,
		Workspace:      ws,
		CallbackURL:    sub.CallbackURL,
		ForeignCalcID:  sub.ForeignCalcID,
		HazardOutputID: sub.HazardOutputID,
		HazardJobID:    sub.HazardJobID,
	}
	if err := e.pool.Enqueue(task); err != nil {
		e.removeWorkspace(ws)
		submissionsTotal.WithLabelValues("rejected").Inc()
		e.reject(context.WithoutCancel(ctx), task, err)
		return nil, fmt.Errorf("schedule job %s: %w", job.ID, err)
	}

	submissionsTotal.WithLabelValues("accepted").Inc()
	e.logger.Info("job queued", "job_id", job.ID, "job_type", job.JobType, "owner", job.Owner, "definition", ws.Rel(definition))
	return job, nil
}

// reject fails a job that could not be queued.
func (e *Engine) reject(ctx context.Context, t Task, cause error) {
	log := e.newJobLogger(t.JobID, e.cfg.LogLevel, "dispatcher")
	logCritical(log, cause.Error())
	if err := e.store.UpdateJobStatus(ctx, t.JobID, model.StatusFailed); err != nil {
		e.logger.Error("failed to mark rejected job failed", "job_id", t.JobID, "error", err)
	}
	e.broker.Close(t.JobID)
	e.notify(t.CallbackURL, callback.Payload{
		Status:               model.StatusFailed,
		ErrorInfo:            cause.Error(),
		JobID:                t.JobID,
		ForeignCalculationID: t.ForeignCalcID,
	})
}

// Close stops accepting jobs, waits for queued and running jobs and for
// pending callback deliveries.
func (e *Engine) Close() error {
	err := e.pool.Close()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	return err
}

// execute runs one job: pending→executing→complete/failed.
func (e *Engine) execute(worker int, t Task) {
	defer e.broker.Close(t.JobID)
	defer e.removeWorkspace(t.Workspace)

	ctx := context.Background()
	job, err := e.store.GetJob(ctx, t.JobID)
	if err != nil {
		e.logger.Error("failed to load queued job", "job_id", t.JobID, "error", err)
		return
	}
	log := e.newJobLogger(job.ID, job.LogLevel, fmt.Sprintf("worker-%d", worker))

	if err := e.store.UpdateJobStatus(ctx, job.ID, model.StatusExecuting); err != nil {
		e.finishFailed(ctx, job, t, log, fmt.Errorf("start job: %w", err))
		return
	}
	jobsExecuting.Inc()
	defer jobsExecuting.Dec()
	start := time.Now()
	defer func() {
		jobDuration.WithLabelValues(job.JobType).Observe(time.Since(start).Seconds())
	}()

	log.Infof("executing %s job %s", job.JobType, job.ID)
	artifacts, err := safely.Call(func() ([]calc.Artifact, error) {
		return e.calculate(ctx, job, t.Workspace, log)
	})
	if err == nil {
		err = e.persistOutputs(ctx, job.ID, artifacts)
	}
	if err != nil {
		e.finishFailed(ctx, job, t, log, err)
		return
	}

	log.Infof("calculation complete, %d outputs", len(artifacts))
	if err := e.store.UpdateJobStatus(ctx, job.ID, model.StatusComplete); err != nil {
		e.logger.Error("failed to mark job complete", "job_id", job.ID, "error", err)
		return
	}
	jobsFinishedTotal.WithLabelValues(job.JobType, model.StatusComplete).Inc()
	e.logger.Info("job complete", "job_id", job.ID, "duration_ms", time.Since(start).Milliseconds())
	e.notify(t.CallbackURL, callback.Payload{
		Status:               model.StatusComplete,
		JobID:                job.ID,
		ForeignCalculationID: t.ForeignCalcID,
	})
}

func (e *Engine) calculate(ctx context.Context, job *model.Job, ws *workspace.Workspace, log *logrus.Entry) ([]calc.Artifact, error) {
	c, err := e.registry.Resolve(job.JobType)
	if err != nil {
		return nil, err
	}

	if e.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.JobTimeout)
		defer cancel()
	}

	artifacts, err := c.Calculate(ctx, calc.Run{Job: job, Workspace: ws.Dir, Log: log})
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("calculation timed out after %s", e.cfg.JobTimeout)
	}
	return artifacts, err
}

func (e *Engine) persistOutputs(ctx context.Context, jobID string, artifacts []calc.Artifact) error {
	for _, a := range artifacts {
		out := &model.Output{
			JobID:       jobID,
			OutputType:  a.OutputType,
			DisplayName: a.DisplayName,
			Payload:     a.Payload,
		}
		if err := e.store.CreateOutput(ctx, out); err != nil {
			return fmt.Errorf("save output %s: %w", a.OutputType, err)
		}
	}
	return nil
}

// finishFailed records cause as the job's CRITICAL log entry and marks the
// job failed.
func (e *Engine) finishFailed(ctx context.Context, job *model.Job, t Task, log *logrus.Entry, cause error) {
	logCritical(log, strings.Join(safely.Lines(cause), "\n"))
	if err := e.store.UpdateJobStatus(ctx, job.ID, model.StatusFailed); err != nil {
		e.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
	jobsFinishedTotal.WithLabelValues(job.JobType, model.StatusFailed).Inc()
	e.logger.Warn("job failed", "job_id", job.ID, "error", cause)
	e.notify(t.CallbackURL, callback.Payload{
		Status:               model.StatusFailed,
		ErrorInfo:            cause.Error(),
		JobID:                job.ID,
		ForeignCalculationID: t.ForeignCalcID,
	})
}

// notify delivers a callback in the background. Close waits for it;
// callbacks raised once Close has drained the pool are dropped.
func (e *Engine) notify(url string, p callback.Payload) {
	if url == "" || e.notifier == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.logger.Warn("engine closed, callback dropped", "url", url, "job_id", p.JobID, "status", p.Status)
		return
	}
	e.wg.Go(func() {
		if err := e.notifier.Notify(context.Background(), url, p); err != nil {
			callbackFailuresTotal.Inc()
			e.logger.Warn("callback failed", "url", url, "job_id", p.JobID, "error", err)
		}
	})
}

func (e *Engine) removeWorkspace(ws *workspace.Workspace) {
	if err := ws.Remove(); err != nil {
		e.logger.Warn("failed to remove workspace", "dir", ws.Dir, "error", err)
	}
}
