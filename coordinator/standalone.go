package coordinator

import (
	"log/slog"
	"time"

	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/pkg/mqtt"
	"github.com/absmach/flock/pkg/storage"
	"github.com/absmach/flock/security"
	"github.com/absmach/flock/selector"
)

// Engine bundles the fully wired coordination stack for embedding in a
// hosting process. The host owns the lifecycle of the background loops
// (heartbeat monitor, restoration sweeper, broker subscriptions).
type Engine struct {
	Coordinator Service
	Clients     clients.Service
	Selector    selector.Selector
	Security    security.Service
	Emitter     EventEmitter
	Topics      *mqtt.TopicBuilder
}

// EngineConfig collects the engine's collaborators. Nil storages fall back
// to in-memory arenas; a nil PubSub yields a broker-less engine where task
// dispatch and events are no-ops.
type EngineConfig struct {
	JobsDB       storage.Storage
	ModelsDB     storage.Storage
	ResultsDB    storage.Storage
	ClientsDB    storage.Storage
	ReputationDB storage.Storage
	EventsDB     storage.Storage

	Security security.Config

	PubSub    mqtt.PubSub
	DomainID  string
	ChannelID string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	TrainingTimeout   time.Duration

	Logger *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.JobsDB == nil {
		cfg.JobsDB = storage.NewInMemoryStorage()
	}
	if cfg.ModelsDB == nil {
		cfg.ModelsDB = storage.NewInMemoryStorage()
	}
	if cfg.ResultsDB == nil {
		cfg.ResultsDB = storage.NewInMemoryStorage()
	}
	if cfg.ClientsDB == nil {
		cfg.ClientsDB = storage.NewInMemoryStorage()
	}
	if cfg.ReputationDB == nil {
		cfg.ReputationDB = storage.NewInMemoryStorage()
	}
	if cfg.EventsDB == nil {
		cfg.EventsDB = storage.NewInMemoryStorage()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Security.ReputationDecay == 0 {
		cfg.Security = security.DefaultConfig()
	}

	topics := mqtt.NewTopicBuilder(cfg.DomainID, cfg.ChannelID)

	var emitter EventEmitter
	var comms clients.Comms
	if cfg.PubSub != nil {
		emitter = NewMQTTEmitter(cfg.PubSub, topics)
		comms = clients.NewMQTTComms(cfg.PubSub, topics)
	} else {
		emitter = NewNoopEmitter()
		comms = clients.NewNoopComms()
	}

	sec := security.NewService(cfg.ReputationDB, cfg.EventsDB, cfg.Security, cfg.Logger)
	sec.SetEventSink(emitter)

	var clientOpts []clients.Option
	if cfg.HeartbeatInterval > 0 && cfg.HeartbeatTimeout > 0 {
		clientOpts = append(clientOpts, clients.WithHeartbeat(cfg.HeartbeatInterval, cfg.HeartbeatTimeout))
	}
	if cfg.TrainingTimeout > 0 {
		clientOpts = append(clientOpts, clients.WithTrainingTimeout(cfg.TrainingTimeout))
	}
	clientsSvc := clients.NewService(cfg.ClientsDB, sec, comms, cfg.Logger, clientOpts...)
	sec.SetSuspender(clientsSvc)

	sel := selector.NewSelector()
	svc := NewService(
		cfg.JobsDB, cfg.ModelsDB, cfg.ResultsDB,
		clientsSvc, sel, sec, emitter,
		cfg.PubSub, topics, cfg.Logger,
	)

	return &Engine{
		Coordinator: svc,
		Clients:     clientsSvc,
		Selector:    sel,
		Security:    sec,
		Emitter:     emitter,
		Topics:      topics,
	}
}
