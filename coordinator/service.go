package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/coordinator/metrics"
	"github.com/absmach/flock/job"
	pkgerrors "github.com/absmach/flock/pkg/errors"
	"github.com/absmach/flock/pkg/fl"
	"github.com/absmach/flock/pkg/mqtt"
	"github.com/absmach/flock/pkg/storage"
	"github.com/absmach/flock/security"
	"github.com/absmach/flock/selector"
)

const (
	defOffset = 0
	defLimit  = 100

	defTargetRounds       = 10
	defRoundTimeout       = 5 * time.Minute
	defTrainingTimeout    = 5 * time.Minute
	defStabilityThreshold = 0.99

	closeReasonQuorum    = "quorum"
	closeReasonTimeout   = "timeout"
	closeReasonExhausted = "exhausted"
)

var (
	ErrInsufficientClients = errors.New("insufficient eligible clients")
	ErrNoActiveRound       = errors.New("no active round for job")
	ErrRoundClosed         = errors.New("round already closed")
	ErrMQTTNotConfigured   = errors.New("mqtt transport not configured")

	namegen = namegenerator.NewGenerator()
)

type Service interface {
	CreateJob(ctx context.Context, j job.TrainingJob) (job.TrainingJob, error)
	GetJob(ctx context.Context, jobID string) (job.TrainingJob, error)
	ListJobs(ctx context.Context, offset, limit uint64) (job.JobPage, error)
	StartJob(ctx context.Context, jobID string) error
	StopJob(ctx context.Context, jobID, reason string) error
	SubmitUpdate(ctx context.Context, update fl.Update) error
	GetModel(ctx context.Context, jobID string) (fl.Model, error)
	GetRoundResult(ctx context.Context, jobID string, round int) (fl.AggregationResult, error)
	ListRoundResults(ctx context.Context, jobID string, offset, limit uint64) (ResultPage, error)
	RegisterClient(ctx context.Context, c clients.Client) (clients.Client, error)
	UnregisterClient(ctx context.Context, clientID string) error
	GetClient(ctx context.Context, clientID string) (clients.Client, error)
	ListClients(ctx context.Context, offset, limit uint64) (clients.ClientPage, error)
	ListSecurityEvents(ctx context.Context, offset, limit uint64) (security.EventPage, error)
	Subscribe(ctx context.Context) error
}

type ResultPage struct {
	Offset  uint64                 `json:"offset"`
	Limit   uint64                 `json:"limit"`
	Total   uint64                 `json:"total"`
	Results []fl.AggregationResult `json:"results"`
}

type service struct {
	jobsDB    storage.Storage
	modelsDB  storage.Storage
	resultsDB storage.Storage
	clients   clients.Service
	selector  selector.Selector
	security  security.Service
	emitter   EventEmitter
	pubsub    mqtt.PubSub
	topics    *mqtt.TopicBuilder
	tracer    trace.Tracer
	logger    *slog.Logger

	roundMu sync.Mutex
	rounds  map[string]*roundState

	aggMu      sync.Mutex
	aggregated map[string]bool
}

var _ Service = (*service)(nil)

func NewService(
	jobsDB, modelsDB, resultsDB storage.Storage,
	clientsSvc clients.Service,
	sel selector.Selector,
	sec security.Service,
	emitter EventEmitter,
	pubsub mqtt.PubSub,
	topics *mqtt.TopicBuilder,
	logger *slog.Logger,
) Service {
	svc := &service{
		jobsDB:     jobsDB,
		modelsDB:   modelsDB,
		resultsDB:  resultsDB,
		clients:    clientsSvc,
		selector:   sel,
		security:   sec,
		emitter:    emitter,
		pubsub:     pubsub,
		topics:     topics,
		tracer:     otel.Tracer("github.com/absmach/flock/coordinator"),
		logger:     logger,
		rounds:     make(map[string]*roundState),
		aggregated: make(map[string]bool),
	}

	clientsSvc.SetUpdateHandler(svc.collectUpdate)
	clientsSvc.SetTimeoutHandler(svc.onTrainingTimeout)

	return svc
}

func (svc *service) CreateJob(ctx context.Context, j job.TrainingJob) (job.TrainingJob, error) {
	j.ID = uuid.NewString()
	if j.Name == "" {
		j.Name = namegen.Generate()
	}
	if j.TargetRounds <= 0 {
		j.TargetRounds = defTargetRounds
	}
	if j.ParticipationThreshold <= 0 {
		j.ParticipationThreshold = 1.0
	}
	if j.RoundTimeout <= 0 {
		j.RoundTimeout = defRoundTimeout
	}
	if j.TrainingTimeout <= 0 {
		j.TrainingTimeout = defTrainingTimeout
	}
	if j.Selection.Strategy == "" {
		j.Selection.Strategy = job.StrategyRandom
	}
	if j.Aggregation.Algorithm == "" {
		j.Aggregation.Algorithm = job.AlgorithmWFAgg
	}
	if j.Convergence.StabilityThreshold <= 0 {
		j.Convergence.StabilityThreshold = defStabilityThreshold
	}
	j.State = job.Created
	j.CurrentRound = 0
	j.CreatedAt = time.Now()
	j.UpdatedAt = j.CreatedAt

	if err := j.Validate(); err != nil {
		return job.TrainingJob{}, fmt.Errorf("%w: %s", pkgerrors.ErrInvalidData, err)
	}

	if err := svc.jobsDB.Create(ctx, j.ID, j); err != nil {
		return job.TrainingJob{}, err
	}

	model := fl.Model{
		Version:   0,
		Params:    fl.Params{},
		UpdatedAt: j.CreatedAt,
	}
	if j.ModelRef != "" {
		model.Metadata = map[string]any{"model_ref": j.ModelRef}
	}
	if err := svc.modelsDB.Create(ctx, j.ID, model); err != nil {
		return job.TrainingJob{}, err
	}

	metrics.JobTotal.WithLabelValues("created").Inc()
	svc.emitAudit(ctx, AuditEvent{JobID: j.ID, Type: EventJobCreated, Detail: j.Name})

	return j, nil
}

func (svc *service) GetJob(ctx context.Context, jobID string) (job.TrainingJob, error) {
	return svc.getJob(ctx, jobID)
}

func (svc *service) ListJobs(ctx context.Context, offset, limit uint64) (job.JobPage, error) {
	data, total, err := svc.jobsDB.List(ctx, offset, limit)
	if err != nil {
		return job.JobPage{}, err
	}

	jobs := make([]job.TrainingJob, 0, len(data))
	for i := range data {
		j, ok := data[i].(job.TrainingJob)
		if !ok {
			return job.JobPage{}, pkgerrors.ErrInvalidData
		}
		jobs = append(jobs, j)
	}

	return job.JobPage{
		Offset: offset,
		Limit:  limit,
		Total:  total,
		Jobs:   jobs,
	}, nil
}

// StartJob selects the first round's participants and moves the job to
// running. Selection failures leave the job untouched in created state.
func (svc *service) StartJob(ctx context.Context, jobID string) error {
	j, err := svc.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	candidates, err := svc.clients.AvailableClients(ctx)
	if err != nil {
		return err
	}
	selected, err := svc.selector.SelectClients(ctx, j.Selection, candidates, j.MinClients)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInsufficientClients, err)
	}

	if err := job.MarkRunning(&j); err != nil {
		return err
	}
	if err := svc.saveJob(ctx, j); err != nil {
		return err
	}

	metrics.JobActive.Inc()
	svc.emitAudit(ctx, AuditEvent{JobID: j.ID, Type: EventJobStarted})
	svc.logger.InfoContext(ctx, "job started",
		slog.String("job_id", j.ID),
		slog.String("name", j.Name),
		slog.Int("selected_clients", len(selected)))

	if err := svc.startRound(ctx, &j, selected); err != nil {
		svc.failJob(ctx, &j, err.Error())

		return err
	}

	return nil
}

// StopJob cancels the active round and all outstanding client timers, then
// returns the job's clients to the pool. Safe from any non-terminal state.
func (svc *service) StopJob(ctx context.Context, jobID, reason string) error {
	j, err := svc.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminalState(j.State) {
		return fmt.Errorf("%w: job is already %s", job.ErrInvalidStateTransition, j.State)
	}

	wasRunning := j.State == job.Running
	if rs := svc.removeRound(jobID); rs != nil {
		rs.abort()
	}

	if reason == "" {
		reason = "stopped by operator"
	}
	if err := job.MarkCancelled(&j, reason); err != nil {
		return err
	}
	if err := svc.saveJob(ctx, j); err != nil {
		return err
	}

	svc.releaseJobClients(ctx, &j)

	if wasRunning {
		metrics.JobActive.Dec()
	}
	metrics.JobTotal.WithLabelValues("cancelled").Inc()
	svc.emitAudit(ctx, AuditEvent{JobID: j.ID, Round: j.CurrentRound, Type: EventJobCancelled, Detail: reason})
	svc.logger.InfoContext(ctx, "job cancelled",
		slog.String("job_id", j.ID), slog.String("reason", reason))

	return nil
}

// SubmitUpdate hands an update to the client manager, which verifies the
// submitting client's state and digest before the update reaches the round
// buffer.
func (svc *service) SubmitUpdate(ctx context.Context, update fl.Update) error {
	return svc.clients.ProcessClientUpdate(ctx, update)
}

func (svc *service) GetModel(ctx context.Context, jobID string) (fl.Model, error) {
	return svc.getModel(ctx, jobID)
}

func (svc *service) GetRoundResult(ctx context.Context, jobID string, round int) (fl.AggregationResult, error) {
	return svc.getResult(ctx, jobID, round)
}

func (svc *service) ListRoundResults(ctx context.Context, jobID string, offset, limit uint64) (ResultPage, error) {
	data, _, err := svc.resultsDB.List(ctx, defOffset, 0)
	if err != nil {
		return ResultPage{}, err
	}

	results, total := filterAndPaginate(data, offset, limit, func(item any) (fl.AggregationResult, bool) {
		if r, ok := item.(fl.AggregationResult); ok && r.JobID == jobID {
			return r, true
		}

		return fl.AggregationResult{}, false
	})

	return ResultPage{
		Offset:  offset,
		Limit:   limit,
		Total:   total,
		Results: results,
	}, nil
}

func (svc *service) RegisterClient(ctx context.Context, c clients.Client) (clients.Client, error) {
	registered, err := svc.clients.Register(ctx, c)
	if err != nil {
		metrics.ClientTotal.WithLabelValues("rejected").Inc()

		return clients.Client{}, err
	}

	metrics.ClientTotal.WithLabelValues("admitted").Inc()
	metrics.ClientAvailable.Inc()

	return registered, nil
}

func (svc *service) UnregisterClient(ctx context.Context, clientID string) error {
	return svc.clients.Unregister(ctx, clientID)
}

func (svc *service) GetClient(ctx context.Context, clientID string) (clients.Client, error) {
	return svc.clients.GetClient(ctx, clientID)
}

func (svc *service) ListClients(ctx context.Context, offset, limit uint64) (clients.ClientPage, error) {
	return svc.clients.ListClients(ctx, offset, limit)
}

func (svc *service) ListSecurityEvents(ctx context.Context, offset, limit uint64) (security.EventPage, error) {
	return svc.security.ListEvents(ctx, offset, limit)
}

// startRound dispatches the current model to the selected clients, arms the
// round timer and opens the update buffer.
func (svc *service) startRound(ctx context.Context, j *job.TrainingJob, selected []clients.Client) error {
	round := j.CurrentRound + 1

	model, err := svc.getModel(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("cannot load global model: %w", err)
	}

	selectedIDs := make([]string, 0, len(selected))
	for _, c := range selected {
		selectedIDs = append(selectedIDs, c.ID)
	}
	j.CurrentRound = round
	j.SelectedClients = selectedIDs
	if err := svc.saveJob(ctx, *j); err != nil {
		return err
	}

	rs := newRoundState(j.ID, round, j.Quorum(), len(selected))
	svc.roundMu.Lock()
	svc.rounds[j.ID] = rs
	svc.roundMu.Unlock()

	task := fl.Task{
		JobID:       j.ID,
		Round:       round,
		ModelRef:    j.ModelRef,
		Params:      model.Params,
		Hyperparams: j.Hyperparams,
		TimeoutS:    int(j.TrainingTimeout.Seconds()),
	}

	dispatched := 0
	for _, c := range selected {
		if err := svc.clients.SendTrainingTask(ctx, c.ID, task); err != nil {
			svc.logger.WarnContext(ctx, "failed to dispatch training task",
				slog.String("job_id", j.ID),
				slog.String("client_id", c.ID),
				slog.Any("error", err))

			continue
		}
		dispatched++
	}
	if dispatched == 0 {
		rs.abort()
		svc.removeRound(j.ID)

		return fmt.Errorf("%w: no training task could be dispatched for round %d", ErrInsufficientClients, round)
	}
	rs.setExpected(dispatched)

	rs.setTimer(time.AfterFunc(j.RoundTimeout, func() {
		svc.onRoundTimeout(j.ID, round)
	}))

	svc.publishRoundStart(ctx, j.ID, round, selectedIDs)
	svc.emitAudit(ctx, AuditEvent{
		JobID:  j.ID,
		Round:  round,
		Type:   EventRoundStarted,
		Detail: fmt.Sprintf("dispatched to %d of %d selected clients", dispatched, len(selected)),
	})
	svc.logger.InfoContext(ctx, "round started",
		slog.String("job_id", j.ID),
		slog.Int("round", round),
		slog.Int("dispatched", dispatched),
		slog.Int("quorum", rs.quorum))

	return nil
}

// collectUpdate receives updates the client manager has already verified.
// Security validation failures drop the update without disturbing the round.
func (svc *service) collectUpdate(ctx context.Context, update fl.Update) error {
	rs := svc.getRound(update.JobID)
	if rs == nil {
		return fmt.Errorf("%w: %s", ErrNoActiveRound, update.JobID)
	}
	if update.Round != rs.round {
		metrics.UpdatesRejected.WithLabelValues(update.JobID).Inc()

		return fmt.Errorf("%w: update targets round %d, current round is %d", ErrRoundClosed, update.Round, rs.round)
	}

	if err := svc.security.ValidateUpdate(ctx, update); err != nil {
		metrics.UpdatesRejected.WithLabelValues(update.JobID).Inc()
		svc.logger.WarnContext(ctx, "dropping update",
			slog.String("job_id", update.JobID),
			slog.String("client_id", update.ClientID),
			slog.Int("round", update.Round),
			slog.Any("error", err))

		return err
	}

	snapshot, reached, ok := rs.addAndCheck(update)
	if !ok {
		metrics.UpdatesRejected.WithLabelValues(update.JobID).Inc()

		return fmt.Errorf("%w: round %d", ErrRoundClosed, update.Round)
	}

	metrics.UpdatesCollected.WithLabelValues(update.JobID).Inc()
	svc.logger.InfoContext(ctx, "update collected",
		slog.String("job_id", update.JobID),
		slog.String("client_id", update.ClientID),
		slog.Int("round", update.Round),
		slog.Int("buffered", rs.size()))

	if reached {
		svc.logger.InfoContext(ctx, "quorum reached",
			slog.String("job_id", update.JobID),
			slog.Int("round", rs.round),
			slog.Int("updates", len(snapshot)))
		svc.handleClosedRound(ctx, update.JobID, rs.round, snapshot, closeReasonQuorum)
	}

	return nil
}

// onTrainingTimeout is notified by the client manager when a selected
// client's per-task timer fires; that client's slot stays empty this round.
func (svc *service) onTrainingTimeout(ctx context.Context, jobID, clientID string) {
	svc.emitAudit(ctx, AuditEvent{
		JobID:    jobID,
		ClientID: clientID,
		Type:     EventClientTimeout,
		Detail:   "client training timed out",
	})

	rs := svc.getRound(jobID)
	if rs == nil {
		return
	}

	svc.logger.WarnContext(ctx, "client slot empty for round",
		slog.String("job_id", jobID),
		slog.String("client_id", clientID),
		slog.Int("round", rs.round))

	if snapshot, closed := rs.markAbsent(clientID); closed {
		svc.handleClosedRound(ctx, jobID, rs.round, snapshot, closeReasonExhausted)
	}
}

func (svc *service) onRoundTimeout(jobID string, round int) {
	ctx := context.Background()

	rs := svc.getRound(jobID)
	if rs == nil || rs.round != round {
		return
	}

	snapshot, ok := rs.closeOnTimeout()
	if !ok {
		return
	}

	svc.handleClosedRound(ctx, jobID, round, snapshot, closeReasonTimeout)
}

// handleClosedRound runs after collection closed, whatever closed it. An
// empty buffer fails the job; a sub-quorum buffer proceeds with what was
// collected.
func (svc *service) handleClosedRound(ctx context.Context, jobID string, round int, updates []fl.Update, trigger string) {
	j, err := svc.getJob(ctx, jobID)
	if err != nil {
		svc.logger.ErrorContext(ctx, "cannot load job for closed round",
			slog.String("job_id", jobID), slog.Any("error", err))

		return
	}
	if job.IsTerminalState(j.State) || j.CurrentRound != round {
		return
	}

	if len(updates) == 0 {
		metrics.RoundTotal.WithLabelValues(jobID, "empty").Inc()
		svc.failJob(ctx, &j, fmt.Sprintf("round %d timed out with no updates", round))

		return
	}

	if trigger != closeReasonQuorum && len(updates) < j.Quorum() {
		svc.logger.WarnContext(ctx, "proceeding with sub-quorum round",
			slog.String("job_id", jobID),
			slog.Int("round", round),
			slog.Int("collected", len(updates)),
			slog.Int("quorum", j.Quorum()),
			slog.String("trigger", trigger))
	}

	svc.finishRound(ctx, &j, round, updates)
}

func (svc *service) finishRound(ctx context.Context, j *job.TrainingJob, round int, updates []fl.Update) {
	result, already, err := svc.aggregateOnce(ctx, j, round, updates)
	if already {
		return
	}
	if err != nil {
		metrics.RoundTotal.WithLabelValues(j.ID, "rejected").Inc()
		svc.failJob(ctx, j, fmt.Sprintf("round %d aggregation: %s", round, err))

		return
	}

	prev, err := svc.getModel(ctx, j.ID)
	if err != nil {
		svc.failJob(ctx, j, fmt.Sprintf("cannot load global model: %s", err))

		return
	}
	converged, reason := svc.evaluateConvergence(ctx, j, prev, &result, updates)
	result.Accepted = true

	storeKey := fmt.Sprintf("%s:%d", j.ID, round)
	if err := svc.resultsDB.Create(ctx, storeKey, result); err != nil {
		_ = svc.resultsDB.Update(ctx, storeKey, result)
	}

	model := fl.Model{
		Version:   round,
		Params:    result.Params.Clone(),
		UpdatedAt: time.Now(),
		Metadata:  prev.Metadata,
	}
	if err := svc.modelsDB.Update(ctx, j.ID, model); err != nil {
		svc.logger.ErrorContext(ctx, "failed to store global model",
			slog.String("job_id", j.ID), slog.Any("error", err))
	}

	for _, u := range updates {
		success := result.Weights[u.ClientID] > 0
		if err := svc.clients.RecordRoundOutcome(ctx, u.ClientID, success, u.ComputeTime); err != nil {
			svc.logger.WarnContext(ctx, "failed to record round outcome",
				slog.String("client_id", u.ClientID), slog.Any("error", err))
		}
	}

	if rs := svc.removeRound(j.ID); rs != nil {
		metrics.RoundDuration.WithLabelValues(j.ID).Observe(time.Since(rs.started).Seconds())
	}
	metrics.RoundTotal.WithLabelValues(j.ID, "aggregated").Inc()
	metrics.ByzantineDetected.WithLabelValues(j.ID).Add(float64(len(result.Byzantine)))

	svc.emitAudit(ctx, AuditEvent{
		JobID:  j.ID,
		Round:  round,
		Type:   EventRoundAggregated,
		Detail: fmt.Sprintf("%d participants, %d byzantine, consensus %.2f", len(result.Participants), len(result.Byzantine), result.Metrics.Consensus),
	})
	svc.logger.InfoContext(ctx, "round aggregated",
		slog.String("job_id", j.ID),
		slog.Int("round", round),
		slog.Int("participants", len(result.Participants)),
		slog.Int("byzantine", len(result.Byzantine)),
		slog.Float64("consensus", result.Metrics.Consensus),
		slog.Float64("avg_loss", result.Convergence.AvgLoss))

	if converged {
		svc.completeJob(ctx, j, reason)

		return
	}

	candidates, err := svc.clients.AvailableClients(ctx)
	if err != nil {
		svc.failJob(ctx, j, fmt.Sprintf("cannot list clients for round %d: %s", round+1, err))

		return
	}
	selected, err := svc.selector.SelectClients(ctx, j.Selection, candidates, j.MinClients)
	if err != nil {
		svc.failJob(ctx, j, fmt.Sprintf("cannot start round %d: %s", round+1, err))

		return
	}
	if err := svc.startRound(ctx, j, selected); err != nil {
		svc.failJob(ctx, j, err.Error())
	}
}

// aggregateOnce guarantees a round aggregates at most once, whichever of
// quorum or timeout closed it. The mark is rolled back on failure so an
// operator may retry a transient error by resubmitting.
func (svc *service) aggregateOnce(ctx context.Context, j *job.TrainingJob, round int, updates []fl.Update) (fl.AggregationResult, bool, error) {
	aggKey := fmt.Sprintf("%s:%d", j.ID, round)

	svc.aggMu.Lock()
	already := svc.aggregated[aggKey]
	if !already {
		svc.aggregated[aggKey] = true
	}
	svc.aggMu.Unlock()

	if already {
		return fl.AggregationResult{}, true, nil
	}

	algorithm := j.Aggregation.Algorithm
	if algorithm == "" {
		algorithm = job.AlgorithmWFAgg
	}

	ctx, span := svc.tracer.Start(ctx, "aggregate_round", trace.WithAttributes(
		attribute.String("job_id", j.ID),
		attribute.Int("round", round),
		attribute.String("algorithm", algorithm),
		attribute.Int("updates", len(updates)),
	))
	defer span.End()

	started := time.Now()
	result, err := svc.security.Aggregate(ctx, j.Aggregation, updates)
	metrics.AggregationDuration.WithLabelValues(j.ID, algorithm).Observe(time.Since(started).Seconds())
	metrics.AggregationTotal.WithLabelValues(j.ID, algorithm).Inc()
	if err != nil {
		span.RecordError(err)
		svc.unmarkAggregated(j.ID, round)

		return fl.AggregationResult{}, false, err
	}

	if err := svc.security.ValidateAggregation(ctx, j.Aggregation, result); err != nil {
		span.RecordError(err)
		svc.unmarkAggregated(j.ID, round)

		return fl.AggregationResult{}, false, err
	}

	return result, false, nil
}

func (svc *service) unmarkAggregated(jobID string, round int) {
	aggKey := fmt.Sprintf("%s:%d", jobID, round)

	svc.aggMu.Lock()
	delete(svc.aggregated, aggKey)
	svc.aggMu.Unlock()
}

// evaluateConvergence fills the result's convergence metrics and decides
// whether the job is done. Any single criterion suffices.
func (svc *service) evaluateConvergence(ctx context.Context, j *job.TrainingJob, prev fl.Model, result *fl.AggregationResult, updates []fl.Update) (bool, string) {
	var lossSum, accSum float64
	contributors := 0
	for _, u := range updates {
		if result.Weights[u.ClientID] <= 0 {
			continue
		}
		lossSum += u.Loss
		accSum += u.Accuracy
		contributors++
	}
	avgLoss := 0.0
	avgAccuracy := 0.0
	if contributors > 0 {
		avgLoss = lossSum / float64(contributors)
		avgAccuracy = accSum / float64(contributors)
	}

	stability := parameterStability(prev.Params, result.Params)
	estimated := svc.estimateRemainingRounds(ctx, j, result.Round, avgLoss)

	result.Convergence = fl.ConvergenceMetrics{
		ParameterStability: stability,
		AvgLoss:            avgLoss,
		AvgAccuracy:        avgAccuracy,
		EstimatedRounds:    estimated,
	}

	stabilityThreshold := j.Convergence.StabilityThreshold
	if stabilityThreshold <= 0 {
		stabilityThreshold = defStabilityThreshold
	}

	switch {
	case result.Round >= j.TargetRounds:
		return true, fmt.Sprintf("target round count %d reached", j.TargetRounds)
	case stability >= stabilityThreshold:
		return true, fmt.Sprintf("parameter stability %.4f reached threshold %.2f", stability, stabilityThreshold)
	case estimated >= 0 && estimated <= 1:
		return true, "at most one estimated round remaining"
	case j.Convergence.LossThreshold > 0 && avgLoss <= j.Convergence.LossThreshold:
		return true, fmt.Sprintf("average loss %.4f reached threshold %.4f", avgLoss, j.Convergence.LossThreshold)
	case j.Convergence.AccuracyThreshold > 0 && avgAccuracy >= j.Convergence.AccuracyThreshold:
		return true, fmt.Sprintf("average accuracy %.4f reached threshold %.4f", avgAccuracy, j.Convergence.AccuracyThreshold)
	}

	return false, ""
}

// parameterStability compares consecutive global models; 1 means the model
// stopped moving. The first round has no usable baseline.
func parameterStability(prev, cur fl.Params) float64 {
	if len(prev) == 0 || len(cur) == 0 || !prev.SameShape(cur) {
		return 0
	}
	norm := prev.Norm()
	if norm == 0 {
		return 0
	}

	stability := 1 - prev.L2Distance(cur)/norm
	if stability < 0 {
		stability = 0
	}
	if stability > 1 {
		stability = 1
	}

	return stability
}

// estimateRemainingRounds extrapolates from the loss improvement between
// the last two rounds. A negative return means no estimate is possible.
func (svc *service) estimateRemainingRounds(ctx context.Context, j *job.TrainingJob, round int, avgLoss float64) float64 {
	if round <= 1 {
		return -1
	}
	prevResult, err := svc.getResult(ctx, j.ID, round-1)
	if err != nil {
		return -1
	}

	improvement := prevResult.Convergence.AvgLoss - avgLoss
	if improvement <= 0 {
		return -1
	}

	remaining := (avgLoss - j.Convergence.LossThreshold) / improvement
	if remaining < 0 {
		remaining = 0
	}

	return remaining
}

func (svc *service) completeJob(ctx context.Context, j *job.TrainingJob, reason string) {
	if rs := svc.removeRound(j.ID); rs != nil {
		rs.abort()
	}
	if err := job.MarkCompleted(j); err != nil {
		svc.logger.ErrorContext(ctx, "cannot mark job completed",
			slog.String("job_id", j.ID), slog.Any("error", err))

		return
	}
	if err := svc.saveJob(ctx, *j); err != nil {
		svc.logger.ErrorContext(ctx, "failed to store completed job",
			slog.String("job_id", j.ID), slog.Any("error", err))
	}

	svc.releaseJobClients(ctx, j)

	metrics.JobActive.Dec()
	metrics.JobTotal.WithLabelValues("completed").Inc()
	svc.emitAudit(ctx, AuditEvent{JobID: j.ID, Round: j.CurrentRound, Type: EventJobCompleted, Detail: reason})
	svc.logger.InfoContext(ctx, "job completed",
		slog.String("job_id", j.ID),
		slog.Int("rounds", j.CurrentRound),
		slog.String("reason", reason))
}

func (svc *service) failJob(ctx context.Context, j *job.TrainingJob, reason string) {
	if rs := svc.removeRound(j.ID); rs != nil {
		rs.abort()
	}
	wasRunning := j.State == job.Running
	if err := job.MarkFailed(j, reason); err != nil {
		svc.logger.ErrorContext(ctx, "cannot mark job failed",
			slog.String("job_id", j.ID), slog.Any("error", err))

		return
	}
	if err := svc.saveJob(ctx, *j); err != nil {
		svc.logger.ErrorContext(ctx, "failed to store failed job",
			slog.String("job_id", j.ID), slog.Any("error", err))
	}

	svc.releaseJobClients(ctx, j)

	if wasRunning {
		metrics.JobActive.Dec()
	}
	metrics.JobTotal.WithLabelValues("failed").Inc()
	svc.emitAudit(ctx, AuditEvent{JobID: j.ID, Round: j.CurrentRound, Type: EventJobFailed, Detail: reason})
	svc.logger.ErrorContext(ctx, "job failed",
		slog.String("job_id", j.ID),
		slog.Int("round", j.CurrentRound),
		slog.String("reason", reason))
}

func (svc *service) releaseJobClients(ctx context.Context, j *job.TrainingJob) {
	if len(j.SelectedClients) == 0 {
		return
	}
	if err := svc.clients.ReleaseClients(ctx, j.SelectedClients); err != nil {
		svc.logger.WarnContext(ctx, "failed to release clients",
			slog.String("job_id", j.ID), slog.Any("error", err))
	}
}

func (svc *service) publishRoundStart(ctx context.Context, jobID string, round int, selected []string) {
	if svc.pubsub == nil || svc.topics == nil {
		return
	}

	payload := map[string]any{
		"job_id":   jobID,
		"round":    round,
		"selected": selected,
	}
	if err := svc.pubsub.Publish(ctx, svc.topics.RoundStartTopic(), payload); err != nil {
		svc.logger.WarnContext(ctx, "failed to publish round start",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (svc *service) emitAudit(ctx context.Context, event AuditEvent) {
	if svc.emitter == nil {
		return
	}
	if err := svc.emitter.EmitAudit(ctx, event); err != nil {
		svc.logger.WarnContext(ctx, "failed to emit audit event",
			slog.String("type", event.Type), slog.Any("error", err))
	}
}

func (svc *service) getRound(jobID string) *roundState {
	svc.roundMu.Lock()
	defer svc.roundMu.Unlock()

	return svc.rounds[jobID]
}

func (svc *service) removeRound(jobID string) *roundState {
	svc.roundMu.Lock()
	defer svc.roundMu.Unlock()

	rs := svc.rounds[jobID]
	delete(svc.rounds, jobID)

	return rs
}

func (svc *service) getJob(ctx context.Context, jobID string) (job.TrainingJob, error) {
	data, err := svc.jobsDB.Get(ctx, jobID)
	if err != nil {
		return job.TrainingJob{}, err
	}

	j, ok := data.(job.TrainingJob)
	if !ok {
		return job.TrainingJob{}, pkgerrors.ErrInvalidData
	}

	return j, nil
}

func (svc *service) saveJob(ctx context.Context, j job.TrainingJob) error {
	j.UpdatedAt = time.Now()

	return svc.jobsDB.Update(ctx, j.ID, j)
}

func (svc *service) getModel(ctx context.Context, jobID string) (fl.Model, error) {
	data, err := svc.modelsDB.Get(ctx, jobID)
	if err != nil {
		return fl.Model{}, err
	}

	m, ok := data.(fl.Model)
	if !ok {
		return fl.Model{}, pkgerrors.ErrInvalidData
	}

	return m, nil
}

func (svc *service) getResult(ctx context.Context, jobID string, round int) (fl.AggregationResult, error) {
	data, err := svc.resultsDB.Get(ctx, fmt.Sprintf("%s:%d", jobID, round))
	if err != nil {
		return fl.AggregationResult{}, err
	}

	r, ok := data.(fl.AggregationResult)
	if !ok {
		return fl.AggregationResult{}, pkgerrors.ErrInvalidData
	}

	return r, nil
}

func filterAndPaginate[T any](data []any, offset, limit uint64, filterFn func(any) (T, bool)) (entities []T, total uint64) {
	var filtered []T
	for _, item := range data {
		if value, ok := filterFn(item); ok {
			filtered = append(filtered, value)
		}
	}

	totalFiltered := uint64(len(filtered))

	if offset >= totalFiltered {
		return []T{}, totalFiltered
	}

	start := offset
	end := min(offset+limit, totalFiltered)

	return filtered[start:end], totalFiltered
}
