package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/job"
	pkgerrors "github.com/absmach/flock/pkg/errors"
	"github.com/absmach/flock/pkg/fl"
	"github.com/absmach/flock/pkg/storage"
)

var (
	ErrUpdateRejected      = errors.New("update failed security validation")
	ErrAggregationRejected = errors.New("aggregation result rejected")
	ErrNoUpdates           = errors.New("no updates to aggregate")
	ErrAllFiltered         = errors.New("cannot aggregate: all updates filtered out")
	ErrEmptyVector         = errors.New("invalid vector: empty")
	ErrDimensionMismatch   = errors.New("cannot aggregate: mismatched vector dimensions")
	ErrClientExcluded      = errors.New("client is excluded")
	ErrScreeningFailed     = errors.New("client failed security screening")
)

// ClientSuspender is the slice of the client manager the security manager
// needs for mitigation. Status stays owned by the client manager; exclusion
// goes through its API.
type ClientSuspender interface {
	MarkError(ctx context.Context, clientID, reason string) error
	Readmit(ctx context.Context, clientID string) error
}

// EventSink receives audit events as they are recorded, for example to
// publish them on the events topic. May be left unset.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

type Service interface {
	clients.Screener
	ValidateUpdate(ctx context.Context, update fl.Update) error
	Aggregate(ctx context.Context, policy job.AggregationPolicy, updates []fl.Update) (fl.AggregationResult, error)
	ValidateAggregation(ctx context.Context, policy job.AggregationPolicy, result fl.AggregationResult) error
	Reputation(ctx context.Context, clientID string) (ReputationRecord, error)
	ListEvents(ctx context.Context, offset, limit uint64) (EventPage, error)
	StartRestorationSweeper(ctx context.Context) error
	SetSuspender(s ClientSuspender)
	SetEventSink(sink EventSink)
}

type service struct {
	reputationDB storage.Storage
	eventsDB     storage.Storage
	cfg          Config
	logger       *slog.Logger
	suspender    ClientSuspender
	sink         EventSink

	repMu sync.Mutex
}

var _ Service = (*service)(nil)

func NewService(reputationDB, eventsDB storage.Storage, cfg Config, logger *slog.Logger) Service {
	if cfg.ReputationDecay == 0 {
		cfg = DefaultConfig()
	}

	return &service{
		reputationDB: reputationDB,
		eventsDB:     eventsDB,
		cfg:          cfg,
		logger:       logger,
	}
}

func (svc *service) SetSuspender(s ClientSuspender) {
	svc.suspender = s
}

func (svc *service) SetEventSink(sink EventSink) {
	svc.sink = sink
}

// ScreenClient admits or rejects a registration. Hard requirements come
// first, then the computed threat level against the configured ceiling.
func (svc *service) ScreenClient(ctx context.Context, c clients.Client) error {
	if svc.cfg.RequireEncryption && !c.Capabilities.EncryptedComms {
		svc.recordEvent(ctx, Event{
			ClientID: c.ID,
			Type:     ThreatScreening,
			Severity: SeverityMedium,
			Detail:   "client lacks encrypted communication",
		})

		return fmt.Errorf("%w: encrypted communication required", ErrScreeningFailed)
	}

	if clients.TierRank(c.Capabilities.ComputeTier) < clients.TierRank(svc.cfg.MinScreeningTier) {
		svc.recordEvent(ctx, Event{
			ClientID: c.ID,
			Type:     ThreatScreening,
			Severity: SeverityLow,
			Detail:   fmt.Sprintf("compute tier %s below screening minimum %s", c.Capabilities.ComputeTier, svc.cfg.MinScreeningTier),
		})

		return fmt.Errorf("%w: insufficient compute tier for aggregation workloads", ErrScreeningFailed)
	}

	level := svc.threatLevel(ctx, c)
	if level > svc.cfg.MaxThreatLevel {
		svc.recordEvent(ctx, Event{
			ClientID: c.ID,
			Type:     ThreatScreening,
			Severity: SeverityHigh,
			Detail:   fmt.Sprintf("threat level %.2f exceeds ceiling %.2f", level, svc.cfg.MaxThreatLevel),
		})

		return fmt.Errorf("%w: threat level %.2f exceeds %.2f", ErrScreeningFailed, level, svc.cfg.MaxThreatLevel)
	}

	return nil
}

// threatLevel blends identity heuristics, capability plausibility and the
// historical record into [0, 1].
func (svc *service) threatLevel(ctx context.Context, c clients.Client) float64 {
	identity := identityThreat(c)
	capability := capabilityThreat(c)

	history := 0.0
	if rec, err := svc.getRecord(ctx, c.ID); err == nil {
		history = 1.0 - rec.Score
		if rec.Permanent {
			history = 1.0
		}
	}

	return 0.4*identity + 0.3*capability + 0.3*history
}

func identityThreat(c clients.Client) float64 {
	threat := 0.0
	id := strings.ToLower(c.ID)

	if len(c.ID) < 8 {
		threat += 0.3
	}
	for _, marker := range []string{"test", "admin", "root", "anonymous"} {
		if strings.Contains(id, marker) {
			threat += 0.4

			break
		}
	}
	if len(id) > 0 && strings.Count(id, string(id[0])) == len(id) {
		threat += 0.3
	}

	if threat > 1 {
		threat = 1
	}

	return threat
}

func capabilityThreat(c clients.Client) float64 {
	threat := 0.0

	if c.Capabilities.ComputeTier == clients.TierHigh && c.Capabilities.MemoryMB < 1024 {
		threat += 0.5
	}
	if c.Capabilities.BandwidthMbps > 10000 {
		threat += 0.3
	}
	if c.Data.NumSamples > 0 && c.Data.NumFeatures > 0 && c.Data.NumSamples < c.Data.NumFeatures/100 {
		threat += 0.2
	}

	if threat > 1 {
		threat = 1
	}

	return threat
}

// ValidateUpdate runs the four independent checks and unions their findings.
// Any finding drops the update, records events and applies mitigation; a
// clean update nudges the client's reputation upward.
func (svc *service) ValidateUpdate(ctx context.Context, update fl.Update) error {
	if excluded, _ := svc.isExcluded(ctx, update.ClientID); excluded {
		return fmt.Errorf("%w: %s", ErrClientExcluded, update.ClientID)
	}

	var threats []string
	details := map[string]string{}

	if detail, found := svc.detectAnomaly(update); found {
		threats = append(threats, ThreatAnomaly)
		details[ThreatAnomaly] = detail
	}

	if score := svc.suspicionScore(update); score > svc.cfg.SuspicionCutoff {
		threats = append(threats, ThreatPoisoning)
		details[ThreatPoisoning] = fmt.Sprintf("suspicion score %.2f exceeds cutoff %.2f", score, svc.cfg.SuspicionCutoff)
	}

	if recomputed := update.ComputeDigest(); recomputed != update.Digest {
		threats = append(threats, ThreatIntegrity)
		details[ThreatIntegrity] = "digest does not match recomputation"
	}

	if rec, err := svc.getRecord(ctx, update.ClientID); err == nil && rec.HasHistory {
		if jump := math.Abs(update.Loss - rec.LastLoss); jump > svc.cfg.LossJumpBound {
			threats = append(threats, ThreatTemporal)
			details[ThreatTemporal] = fmt.Sprintf("loss jumped by %.2f, bound %.2f", jump, svc.cfg.LossJumpBound)
		}
	}

	if len(threats) == 0 {
		svc.recordCleanUpdate(ctx, update)

		return nil
	}

	for _, threat := range threats {
		svc.recordEvent(ctx, Event{
			ClientID: update.ClientID,
			JobID:    update.JobID,
			Round:    update.Round,
			Type:     threat,
			Severity: threatSeverity(threat),
			Detail:   details[threat],
		})
	}
	svc.mitigate(ctx, update.ClientID, threats)

	return fmt.Errorf("%w: %s", ErrUpdateRejected, strings.Join(threats, ", "))
}

func (svc *service) detectAnomaly(update fl.Update) (string, bool) {
	var findings []string

	if !update.Params.Finite() {
		findings = append(findings, "non-finite parameter values")
	}
	if maxAbs := update.Params.MaxAbs(); maxAbs > svc.cfg.MagnitudeBound {
		findings = append(findings, fmt.Sprintf("parameter magnitude %.2f exceeds bound %.2f", maxAbs, svc.cfg.MagnitudeBound))
	}
	if norm := update.Params.Norm(); !math.IsNaN(norm) && norm > svc.cfg.GradientNormBound {
		findings = append(findings, fmt.Sprintf("gradient norm %.2f exceeds bound %.2f", norm, svc.cfg.GradientNormBound))
	}

	if len(findings) == 0 {
		return "", false
	}

	return strings.Join(findings, "; "), true
}

// suspicionScore weighs out-of-range parameters, implausible loss and
// implausible compute time.
func (svc *service) suspicionScore(update fl.Update) float64 {
	outOfRange := 0
	total := 0
	for _, values := range update.Params {
		for _, v := range values {
			total++
			if math.Abs(v) > svc.cfg.MagnitudeBound {
				outOfRange++
			}
		}
	}
	rangeScore := 0.0
	if total > 0 {
		rangeScore = float64(outOfRange) / float64(total) * 5
		if rangeScore > 1 {
			rangeScore = 1
		}
	}

	lossScore := 0.0
	if math.IsNaN(update.Loss) || update.Loss < 0 || update.Loss > 100 {
		lossScore = 1.0
	}

	timeScore := 0.0
	if update.ComputeTime <= 0 || update.ComputeTime > 86400 {
		timeScore = 1.0
	}

	return 0.4*rangeScore + 0.3*lossScore + 0.3*timeScore
}

func threatSeverity(threat string) string {
	switch threat {
	case ThreatPoisoning:
		return SeverityCritical
	case ThreatIntegrity:
		return SeverityHigh
	case ThreatAnomaly, ThreatByzantine:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// mitigate applies the configured response: poisoning excludes permanently
// with reputation forced to zero, integrity violations exclude temporarily
// with a persisted restoration deadline, anything else only decays.
func (svc *service) mitigate(ctx context.Context, clientID string, threats []string) {
	svc.repMu.Lock()
	rec, err := svc.getRecord(ctx, clientID)
	if err != nil {
		rec = newRecord(clientID)
	}

	rec.Score *= svc.cfg.ReputationDecay
	rec.Violations++

	poisoned := false
	excluded := false
	for _, threat := range threats {
		switch threat {
		case ThreatPoisoning:
			poisoned = true
		case ThreatIntegrity:
			excluded = true
		}
	}

	var reason string
	switch {
	case poisoned:
		rec.Score = 0
		rec.Permanent = true
		rec.Excluded = true
		rec.RestoreAt = time.Time{}
		reason = "model poisoning detected"
	case excluded:
		rec.Excluded = true
		rec.RestoreAt = time.Now().Add(svc.cfg.ExclusionCooldown)
		reason = "integrity violation"
	}

	rec.UpdatedAt = time.Now()
	svc.putRecord(ctx, rec)
	svc.repMu.Unlock()

	if reason != "" && svc.suspender != nil {
		if err := svc.suspender.MarkError(ctx, clientID, reason); err != nil {
			svc.logger.WarnContext(ctx, "failed to suspend client",
				slog.String("client_id", clientID), slog.Any("error", err))
		}
	}
}

func (svc *service) recordCleanUpdate(ctx context.Context, update fl.Update) {
	svc.repMu.Lock()
	defer svc.repMu.Unlock()

	rec, err := svc.getRecord(ctx, update.ClientID)
	if err != nil {
		rec = newRecord(update.ClientID)
	}
	if rec.Permanent {
		return
	}

	rec.Score *= svc.cfg.ReputationRecovery
	if rec.Score > 1 {
		rec.Score = 1
	}
	rec.LastLoss = update.Loss
	rec.HasHistory = true
	rec.UpdatedAt = time.Now()
	svc.putRecord(ctx, rec)
}

// recordByzantine penalizes a client whose update was filtered out by robust
// aggregation. Monitoring only, no exclusion.
func (svc *service) recordByzantine(ctx context.Context, clientID, jobID string, round int) {
	svc.recordEvent(ctx, Event{
		ClientID: clientID,
		JobID:    jobID,
		Round:    round,
		Type:     ThreatByzantine,
		Severity: threatSeverity(ThreatByzantine),
		Detail:   "update filtered out by robust aggregation",
	})

	svc.repMu.Lock()
	defer svc.repMu.Unlock()

	rec, err := svc.getRecord(ctx, clientID)
	if err != nil {
		rec = newRecord(clientID)
	}
	if rec.Permanent {
		return
	}
	rec.Score *= svc.cfg.ReputationDecay
	rec.Violations++
	rec.UpdatedAt = time.Now()
	svc.putRecord(ctx, rec)
}

func (svc *service) Reputation(ctx context.Context, clientID string) (ReputationRecord, error) {
	return svc.getRecord(ctx, clientID)
}

func (svc *service) ListEvents(ctx context.Context, offset, limit uint64) (EventPage, error) {
	values, total, err := svc.eventsDB.List(ctx, offset, limit)
	if err != nil {
		return EventPage{}, err
	}

	page := EventPage{
		Offset: offset,
		Limit:  limit,
		Total:  total,
		Events: make([]Event, 0, len(values)),
	}
	for _, value := range values {
		event, ok := value.(Event)
		if !ok {
			return EventPage{}, pkgerrors.ErrInvalidData
		}
		page.Events = append(page.Events, event)
	}

	return page, nil
}

// StartRestorationSweeper re-admits temporarily excluded clients whose
// cool-down has passed. Deadlines live in storage, so a restart resumes
// pending restorations instead of dropping them. Blocks until the context
// is cancelled.
func (svc *service) StartRestorationSweeper(ctx context.Context) error {
	interval := svc.cfg.RestorationInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			svc.sweepRestorations(ctx)
		}
	}
}

func (svc *service) sweepRestorations(ctx context.Context) {
	values, _, err := svc.reputationDB.List(ctx, 0, 0)
	if err != nil {
		svc.logger.ErrorContext(ctx, "restoration sweep failed to list records", slog.Any("error", err))

		return
	}

	now := time.Now()
	for _, value := range values {
		rec, ok := value.(ReputationRecord)
		if !ok {
			continue
		}
		if !rec.Excluded || rec.Permanent || rec.RestoreAt.IsZero() || now.Before(rec.RestoreAt) {
			continue
		}

		svc.repMu.Lock()
		rec.Excluded = false
		rec.RestoreAt = time.Time{}
		if rec.Score < 0.5 {
			rec.Score = 0.5
		}
		rec.UpdatedAt = now
		svc.putRecord(ctx, rec)
		svc.repMu.Unlock()

		if svc.suspender != nil {
			if err := svc.suspender.Readmit(ctx, rec.ClientID); err != nil {
				svc.logger.WarnContext(ctx, "failed to re-admit client after cool-down",
					slog.String("client_id", rec.ClientID), slog.Any("error", err))
			}
		}

		svc.logger.InfoContext(ctx, "client exclusion lifted",
			slog.String("client_id", rec.ClientID))
	}
}

func (svc *service) isExcluded(ctx context.Context, clientID string) (bool, error) {
	rec, err := svc.getRecord(ctx, clientID)
	if err != nil {
		return false, err
	}

	return rec.Excluded, nil
}

func (svc *service) getRecord(ctx context.Context, clientID string) (ReputationRecord, error) {
	value, err := svc.reputationDB.Get(ctx, clientID)
	if err != nil {
		return ReputationRecord{}, err
	}
	rec, ok := value.(ReputationRecord)
	if !ok {
		return ReputationRecord{}, pkgerrors.ErrInvalidData
	}

	return rec, nil
}

func (svc *service) putRecord(ctx context.Context, rec ReputationRecord) {
	ctxOp := svc.reputationDB.Update
	if _, err := svc.reputationDB.Get(ctx, rec.ClientID); err != nil {
		ctxOp = svc.reputationDB.Create
	}
	if err := ctxOp(ctx, rec.ClientID, rec); err != nil {
		svc.logger.WarnContext(ctx, "failed to store reputation record",
			slog.String("client_id", rec.ClientID), slog.Any("error", err))
	}
}

func (svc *service) recordEvent(ctx context.Context, event Event) {
	event.ID = uuid.NewString()
	event.CreatedAt = time.Now()

	if err := svc.eventsDB.Create(ctx, event.ID, event); err != nil {
		svc.logger.WarnContext(ctx, "failed to store security event", slog.Any("error", err))
	}
	if svc.sink != nil {
		if err := svc.sink.Emit(ctx, event); err != nil {
			svc.logger.WarnContext(ctx, "failed to emit security event", slog.Any("error", err))
		}
	}

	svc.logger.WarnContext(ctx, "security event",
		slog.String("type", event.Type),
		slog.String("severity", event.Severity),
		slog.String("client_id", event.ClientID),
		slog.String("detail", event.Detail))
}

func newRecord(clientID string) ReputationRecord {
	return ReputationRecord{
		ClientID: clientID,
		Score:    1.0,
	}
}
