package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/google/uuid"

	pkgerrors "github.com/absmach/flock/pkg/errors"
	"github.com/absmach/flock/pkg/fl"
	"github.com/absmach/flock/pkg/storage"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 120 * time.Second
	defaultTrainingTimeout   = 300 * time.Second
)

var (
	ErrClientNotFound     = errors.New("client not found")
	ErrClientExists       = errors.New("client already registered")
	ErrClientNotAvailable = errors.New("client is not available for training")
	ErrClientNotTraining  = errors.New("client is not in a training exchange")
	ErrDigestMismatch     = errors.New("update digest does not match recomputation")
	ErrScreeningRejected  = errors.New("client rejected by security screening")
	ErrInvalidTransition  = errors.New("invalid client status transition")
)

// Screener is the screening contract run before a client is admitted. The
// security manager implements it.
type Screener interface {
	ScreenClient(ctx context.Context, c Client) error
}

// Comms sends engine messages to clients. Implementations are fallible and
// the caller decides about retries.
type Comms interface {
	Establish(ctx context.Context, c Client) error
	Close(ctx context.Context, clientID string) error
	SendTask(ctx context.Context, clientID string, task fl.Task) error
}

// UpdateHandler receives structurally valid updates for a round.
type UpdateHandler func(ctx context.Context, update fl.Update) error

// TimeoutHandler is told when a tasked client missed its training deadline
// and its slot for the round stays empty.
type TimeoutHandler func(ctx context.Context, jobID, clientID string)

type Service interface {
	Register(ctx context.Context, c Client) (Client, error)
	Unregister(ctx context.Context, clientID string) error
	GetClient(ctx context.Context, clientID string) (Client, error)
	ListClients(ctx context.Context, offset, limit uint64) (ClientPage, error)
	AvailableClients(ctx context.Context) ([]Client, error)
	Heartbeat(ctx context.Context, clientID string, at time.Time) error
	StartHeartbeatMonitor(ctx context.Context) error
	SendTrainingTask(ctx context.Context, clientID string, task fl.Task) error
	ProcessClientUpdate(ctx context.Context, update fl.Update) error
	ReleaseClients(ctx context.Context, clientIDs []string) error
	MarkError(ctx context.Context, clientID, reason string) error
	Readmit(ctx context.Context, clientID string) error
	RecordRoundOutcome(ctx context.Context, clientID string, success bool, trainTime float64) error
	SetUpdateHandler(h UpdateHandler)
	SetTimeoutHandler(h TimeoutHandler)
}

type trainingTimer struct {
	timer *time.Timer
	jobID string
	round int
}

type service struct {
	clientsDB         storage.Storage
	screener          Screener
	comms             Comms
	logger            *slog.Logger
	namegen           namegenerator.NameGenerator
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	trainingTimeout   time.Duration

	updateHandler  UpdateHandler
	timeoutHandler TimeoutHandler

	timersMu sync.Mutex
	timers   map[string]trainingTimer

	clientsMu sync.Mutex
}

var _ Service = (*service)(nil)

// Option overrides service timing defaults.
type Option func(*service)

func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(s *service) {
		if interval > 0 {
			s.heartbeatInterval = interval
		}
		if timeout > 0 {
			s.heartbeatTimeout = timeout
		}
	}
}

func WithTrainingTimeout(timeout time.Duration) Option {
	return func(s *service) {
		if timeout > 0 {
			s.trainingTimeout = timeout
		}
	}
}

func NewService(clientsDB storage.Storage, screener Screener, comms Comms, logger *slog.Logger, opts ...Option) Service {
	svc := &service{
		clientsDB:         clientsDB,
		screener:          screener,
		comms:             comms,
		logger:            logger,
		namegen:           namegenerator.NewGenerator(),
		heartbeatInterval: defaultHeartbeatInterval,
		heartbeatTimeout:  defaultHeartbeatTimeout,
		trainingTimeout:   defaultTrainingTimeout,
		timers:            make(map[string]trainingTimer),
	}
	for _, opt := range opts {
		opt(svc)
	}

	return svc
}

func (svc *service) SetUpdateHandler(h UpdateHandler) {
	svc.updateHandler = h
}

func (svc *service) SetTimeoutHandler(h TimeoutHandler) {
	svc.timeoutHandler = h
}

func (svc *service) Register(ctx context.Context, c Client) (Client, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = svc.namegen.Generate()
	}

	if err := c.Validate(); err != nil {
		return Client{}, fmt.Errorf("%w: %s", pkgerrors.ErrInvalidData, err.Error())
	}

	if _, err := svc.clientsDB.Get(ctx, c.ID); err == nil {
		return Client{}, ErrClientExists
	}

	if err := svc.screener.ScreenClient(ctx, c); err != nil {
		return Client{}, fmt.Errorf("%w: %s", ErrScreeningRejected, err.Error())
	}

	now := time.Now()
	c.Status = Available
	c.RegisteredAt = now
	c.UpdatedAt = now
	c.LastHeartbeat = now
	if c.Performance.Reliability == 0 {
		c.Performance.Reliability = 1.0
	}

	if err := svc.clientsDB.Create(ctx, c.ID, c); err != nil {
		return Client{}, err
	}

	if err := svc.comms.Establish(ctx, c); err != nil {
		if delErr := svc.clientsDB.Delete(ctx, c.ID); delErr != nil {
			svc.logger.WarnContext(ctx, "failed to roll back registration",
				slog.String("client_id", c.ID), slog.Any("error", delErr))
		}

		return Client{}, fmt.Errorf("failed to establish client connection: %w", err)
	}

	svc.logger.InfoContext(ctx, "client registered",
		slog.String("client_id", c.ID),
		slog.String("name", c.Name),
		slog.String("compute_tier", c.Capabilities.ComputeTier),
		slog.Int("num_samples", c.Data.NumSamples))

	return c, nil
}

func (svc *service) Unregister(ctx context.Context, clientID string) error {
	if _, err := svc.getClient(ctx, clientID); err != nil {
		return err
	}

	svc.cancelTrainingTimer(clientID)

	if err := svc.comms.Close(ctx, clientID); err != nil {
		svc.logger.WarnContext(ctx, "failed to close client connection",
			slog.String("client_id", clientID), slog.Any("error", err))
	}

	if err := svc.clientsDB.Delete(ctx, clientID); err != nil {
		return err
	}

	svc.logger.InfoContext(ctx, "client unregistered", slog.String("client_id", clientID))

	return nil
}

func (svc *service) GetClient(ctx context.Context, clientID string) (Client, error) {
	return svc.getClient(ctx, clientID)
}

func (svc *service) ListClients(ctx context.Context, offset, limit uint64) (ClientPage, error) {
	values, total, err := svc.clientsDB.List(ctx, offset, limit)
	if err != nil {
		return ClientPage{}, err
	}

	page := ClientPage{
		Offset:  offset,
		Limit:   limit,
		Total:   total,
		Clients: make([]Client, 0, len(values)),
	}
	for _, value := range values {
		c, ok := value.(Client)
		if !ok {
			return ClientPage{}, pkgerrors.ErrInvalidData
		}
		page.Clients = append(page.Clients, c)
	}

	return page, nil
}

func (svc *service) AvailableClients(ctx context.Context) ([]Client, error) {
	page, err := svc.ListClients(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	return FilterAvailableClients(page.Clients), nil
}

func (svc *service) Heartbeat(ctx context.Context, clientID string, at time.Time) error {
	svc.clientsMu.Lock()
	defer svc.clientsMu.Unlock()

	c, err := svc.getClient(ctx, clientID)
	if err != nil {
		return err
	}

	c.RecordHeartbeat(at)
	c.UpdatedAt = time.Now()

	// A heartbeat from an offline client re-admits it.
	if c.Status == Offline {
		c.Status = Available
		svc.logger.InfoContext(ctx, "client back online", slog.String("client_id", clientID))
	}

	return svc.clientsDB.Update(ctx, clientID, c)
}

// StartHeartbeatMonitor sweeps all clients on a fixed interval and demotes
// the ones whose last heartbeat is older than the timeout. Failures are
// isolated per client so one bad record cannot stall the sweep. Blocks until
// the context is cancelled.
func (svc *service) StartHeartbeatMonitor(ctx context.Context) error {
	ticker := time.NewTicker(svc.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			svc.sweepHeartbeats(ctx)
		}
	}
}

func (svc *service) sweepHeartbeats(ctx context.Context) {
	page, err := svc.ListClients(ctx, 0, 0)
	if err != nil {
		svc.logger.ErrorContext(ctx, "heartbeat sweep failed to list clients", slog.Any("error", err))

		return
	}

	now := time.Now()
	for _, c := range page.Clients {
		if c.Status != Available && c.Status != Training {
			continue
		}
		if now.Sub(c.LastHeartbeat) <= svc.heartbeatTimeout {
			continue
		}

		if err := svc.transition(ctx, c.ID, Offline); err != nil {
			svc.logger.WarnContext(ctx, "failed to mark client offline",
				slog.String("client_id", c.ID), slog.Any("error", err))

			continue
		}

		svc.cancelTrainingTimer(c.ID)
		if err := svc.comms.Close(ctx, c.ID); err != nil {
			svc.logger.WarnContext(ctx, "failed to close connection of offline client",
				slog.String("client_id", c.ID), slog.Any("error", err))
		}

		svc.logger.InfoContext(ctx, "client heartbeat timed out",
			slog.String("client_id", c.ID),
			slog.Time("last_heartbeat", c.LastHeartbeat))
	}
}

func (svc *service) SendTrainingTask(ctx context.Context, clientID string, task fl.Task) error {
	svc.clientsMu.Lock()
	c, err := svc.getClient(ctx, clientID)
	if err != nil {
		svc.clientsMu.Unlock()

		return err
	}
	if c.Status != Available {
		svc.clientsMu.Unlock()

		return fmt.Errorf("%w: %s is %s", ErrClientNotAvailable, clientID, c.Status)
	}

	c.Status = Training
	c.SelectionCount++
	c.UpdatedAt = time.Now()
	if err := svc.clientsDB.Update(ctx, clientID, c); err != nil {
		svc.clientsMu.Unlock()

		return err
	}
	svc.clientsMu.Unlock()

	if err := svc.comms.SendTask(ctx, clientID, task); err != nil {
		if markErr := svc.MarkError(ctx, clientID, "task dispatch failed"); markErr != nil {
			svc.logger.WarnContext(ctx, "failed to mark client errored",
				slog.String("client_id", clientID), slog.Any("error", markErr))
		}

		return fmt.Errorf("failed to send training task to %s: %w", clientID, err)
	}

	svc.armTrainingTimer(ctx, clientID, task.JobID, task.Round)

	svc.logger.InfoContext(ctx, "training task dispatched",
		slog.String("client_id", clientID),
		slog.String("job_id", task.JobID),
		slog.Int("round", task.Round))

	return nil
}

func (svc *service) ProcessClientUpdate(ctx context.Context, update fl.Update) error {
	c, err := svc.getClient(ctx, update.ClientID)
	if err != nil {
		return err
	}
	if update.JobID == "" {
		return fmt.Errorf("%w: update missing job id", pkgerrors.ErrInvalidData)
	}
	if c.Status != Training {
		return fmt.Errorf("%w: %s is %s", ErrClientNotTraining, c.ID, c.Status)
	}

	if recomputed := update.ComputeDigest(); recomputed != update.Digest {
		if markErr := svc.MarkError(ctx, c.ID, "update digest mismatch"); markErr != nil {
			svc.logger.WarnContext(ctx, "failed to mark client errored",
				slog.String("client_id", c.ID), slog.Any("error", markErr))
		}

		return fmt.Errorf("%w: client %s", ErrDigestMismatch, c.ID)
	}

	svc.cancelTrainingTimer(c.ID)
	if err := svc.transition(ctx, c.ID, Available); err != nil {
		svc.logger.WarnContext(ctx, "failed to return client to available",
			slog.String("client_id", c.ID), slog.Any("error", err))
	}

	if update.ReceivedAt.IsZero() {
		update.ReceivedAt = time.Now()
	}

	if svc.updateHandler == nil {
		return nil
	}

	return svc.updateHandler(ctx, update)
}

// ReleaseClients returns tasked clients to available and drops their
// training timers, without waiting for their outstanding responses.
func (svc *service) ReleaseClients(ctx context.Context, clientIDs []string) error {
	for _, clientID := range clientIDs {
		svc.cancelTrainingTimer(clientID)

		c, err := svc.getClient(ctx, clientID)
		if err != nil {
			svc.logger.WarnContext(ctx, "failed to release client",
				slog.String("client_id", clientID), slog.Any("error", err))

			continue
		}
		if c.Status != Training {
			continue
		}
		if err := svc.transition(ctx, clientID, Available); err != nil {
			svc.logger.WarnContext(ctx, "failed to release client",
				slog.String("client_id", clientID), slog.Any("error", err))
		}
	}

	return nil
}

func (svc *service) MarkError(ctx context.Context, clientID, reason string) error {
	svc.cancelTrainingTimer(clientID)
	if err := svc.transition(ctx, clientID, Errored); err != nil {
		return err
	}

	svc.logger.WarnContext(ctx, "client marked errored",
		slog.String("client_id", clientID), slog.String("reason", reason))

	return nil
}

func (svc *service) Readmit(ctx context.Context, clientID string) error {
	if err := svc.transition(ctx, clientID, Available); err != nil {
		return err
	}

	svc.logger.InfoContext(ctx, "client re-admitted", slog.String("client_id", clientID))

	return nil
}

// RecordRoundOutcome folds a finished round into the client's performance
// history. Reliability is an exponential moving average of successes.
func (svc *service) RecordRoundOutcome(ctx context.Context, clientID string, success bool, trainTime float64) error {
	svc.clientsMu.Lock()
	defer svc.clientsMu.Unlock()

	c, err := svc.getClient(ctx, clientID)
	if err != nil {
		return err
	}

	const alpha = 0.2
	outcome := 0.0
	if success {
		outcome = 1.0
		c.Performance.RoundsCompleted++
		if trainTime > 0 {
			speed := 1.0 / trainTime
			if c.Performance.TrainingSpeed == 0 {
				c.Performance.TrainingSpeed = speed
			} else {
				c.Performance.TrainingSpeed = (1-alpha)*c.Performance.TrainingSpeed + alpha*speed
			}
		}
	} else {
		c.Performance.RoundsFailed++
	}
	if c.Performance.Reliability == 0 {
		c.Performance.Reliability = outcome
	} else {
		c.Performance.Reliability = (1-alpha)*c.Performance.Reliability + alpha*outcome
	}
	c.UpdatedAt = time.Now()

	return svc.clientsDB.Update(ctx, clientID, c)
}

func (svc *service) getClient(ctx context.Context, clientID string) (Client, error) {
	value, err := svc.clientsDB.Get(ctx, clientID)
	if err != nil {
		return Client{}, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	c, ok := value.(Client)
	if !ok {
		return Client{}, pkgerrors.ErrInvalidData
	}

	return c, nil
}

func (svc *service) transition(ctx context.Context, clientID string, to Status) error {
	svc.clientsMu.Lock()
	defer svc.clientsMu.Unlock()

	c, err := svc.getClient(ctx, clientID)
	if err != nil {
		return err
	}
	if c.Status == to {
		return nil
	}
	if !ValidateTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}

	c.Status = to
	c.UpdatedAt = time.Now()

	return svc.clientsDB.Update(ctx, clientID, c)
}

func (svc *service) armTrainingTimer(ctx context.Context, clientID, jobID string, round int) {
	svc.timersMu.Lock()
	defer svc.timersMu.Unlock()

	if existing, ok := svc.timers[clientID]; ok {
		existing.timer.Stop()
	}

	timer := time.AfterFunc(svc.trainingTimeout, func() {
		svc.onTrainingTimeout(ctx, clientID, jobID, round)
	})
	svc.timers[clientID] = trainingTimer{timer: timer, jobID: jobID, round: round}
}

func (svc *service) cancelTrainingTimer(clientID string) {
	svc.timersMu.Lock()
	defer svc.timersMu.Unlock()

	if existing, ok := svc.timers[clientID]; ok {
		existing.timer.Stop()
		delete(svc.timers, clientID)
	}
}

func (svc *service) onTrainingTimeout(ctx context.Context, clientID, jobID string, round int) {
	svc.timersMu.Lock()
	current, ok := svc.timers[clientID]
	if !ok || current.jobID != jobID || current.round != round {
		svc.timersMu.Unlock()

		return
	}
	delete(svc.timers, clientID)
	svc.timersMu.Unlock()

	c, err := svc.getClient(ctx, clientID)
	if err != nil || c.Status != Training {
		return
	}

	if err := svc.transition(ctx, clientID, Errored); err != nil {
		svc.logger.WarnContext(ctx, "failed to mark timed-out client errored",
			slog.String("client_id", clientID), slog.Any("error", err))

		return
	}

	svc.logger.WarnContext(ctx, "client training timed out",
		slog.String("client_id", clientID),
		slog.String("job_id", jobID),
		slog.Int("round", round))

	if svc.timeoutHandler != nil {
		svc.timeoutHandler(ctx, jobID, clientID)
	}
}
