package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"github.com/absmach/flock/pkg/crypto"
	pkgmqtt "github.com/absmach/flock/pkg/mqtt"
)

const chunkBuffer = 10

// ProxyService serves global model snapshots from an OCI registry over MQTT.
// Clients request a model by reference and receive it back as an encrypted,
// chunked stream they can reassemble and verify.
type ProxyService struct {
	orasconfig HTTPProxyConfig
	pubsub     pkgmqtt.PubSub
	topics     *pkgmqtt.TopicBuilder
	logger     *slog.Logger
	modelChan  chan string
	dataChan   chan ChunkPayload
	modelKey   []byte
}

func NewService(pubsub pkgmqtt.PubSub, topics *pkgmqtt.TopicBuilder, httpCfg HTTPProxyConfig, logger *slog.Logger, modelKey string) (*ProxyService, error) {
	decodedKey, err := crypto.ParseKey(modelKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse model key: %w", err)
	}

	return &ProxyService{
		orasconfig: httpCfg,
		pubsub:     pubsub,
		topics:     topics,
		logger:     logger,
		modelChan:  make(chan string, 1),
		dataChan:   make(chan ChunkPayload, chunkBuffer),
		modelKey:   decodedKey,
	}, nil
}

// ModelChan accepts model references to fetch and stream, for callers that
// want to preload a snapshot without going through MQTT.
func (s *ProxyService) ModelChan() chan string {
	return s.modelChan
}

// Subscribe listens for model requests published by training clients.
func (s *ProxyService) Subscribe(ctx context.Context) error {
	if err := s.pubsub.Subscribe(ctx, s.topics.RegistryRequestTopic(), s.handleRequest(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to registry requests: %w", err)
	}

	return nil
}

func (s *ProxyService) handleRequest(_ context.Context) pkgmqtt.Handler {
	return func(topic string, msg map[string]interface{}) error {
		modelRef, ok := msg["model_ref"].(string)
		if !ok || modelRef == "" {
			return errors.New("invalid model request: model_ref is empty")
		}

		select {
		case s.modelChan <- modelRef:
			return nil
		default:
			s.logger.Warn("model fetch already in progress, dropping request",
				slog.String("model_ref", modelRef))

			return nil
		}
	}
}

func (s *ProxyService) StreamHTTP(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case modelRef := <-s.modelChan:
			data, err := s.orasconfig.FetchFromReg(ctx, modelRef)
			if err != nil {
				s.logger.Error("failed to fetch model",
					slog.String("model_ref", modelRef),
					slog.Any("error", err))

				continue
			}

			encryptedData, err := crypto.Encrypt(data, s.modelKey)
			if err != nil {
				s.logger.Error("failed to encrypt model",
					slog.String("model_ref", modelRef),
					slog.Any("error", err))

				continue
			}

			hash := sha256.Sum256(encryptedData)
			checksum := hex.EncodeToString(hash[:])

			chunks := CreateChunks(encryptedData, modelRef, s.orasconfig.ChunkSize, checksum)

			for _, chunk := range chunks {
				select {
				case s.dataChan <- chunk:
					s.logger.Info("sent model chunk to MQTT stream",
						slog.String("model_ref", modelRef),
						slog.Int("chunk", chunk.ChunkIdx),
						slog.Int("total", chunk.TotalChunks))
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

func (s *ProxyService) StreamMQTT(ctx context.Context) error {
	modelChunks := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-s.dataChan:
			payload, err := cbor.Marshal(chunk)
			if err != nil {
				s.logger.Error("failed to encode model chunk",
					slog.Any("error", err),
					slog.Int("chunk", chunk.ChunkIdx))

				continue
			}

			if err := s.pubsub.PublishRaw(ctx, s.topics.RegistryServerTopic(), payload); err != nil {
				s.logger.Error("failed to publish model chunk",
					slog.Any("error", err),
					slog.Int("chunk", chunk.ChunkIdx),
					slog.Int("total", chunk.TotalChunks))

				continue
			}

			modelChunks[chunk.ModelName]++

			if modelChunks[chunk.ModelName] == chunk.TotalChunks {
				s.logger.Info("successfully sent all chunks",
					slog.String("model_ref", chunk.ModelName),
					slog.Int("total_chunks", chunk.TotalChunks))
				delete(modelChunks, chunk.ModelName)
			}
		}
	}
}
