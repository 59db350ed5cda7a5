package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/pkg/fl"
	"github.com/absmach/flock/pkg/mqtt"
)

// Subscribe attaches the coordinator to its control and data topics. CBOR
// updates arrive on a dedicated raw subscription since the JSON dispatcher
// cannot carry them.
func (svc *service) Subscribe(ctx context.Context) error {
	if svc.pubsub == nil || svc.topics == nil {
		return ErrMQTTNotConfigured
	}

	handler := svc.handle(ctx)
	for _, topic := range []string{
		svc.topics.ClientCreateTopic(),
		svc.topics.ClientAliveTopic(),
		svc.topics.UpdatesTopic(),
	} {
		if err := svc.pubsub.Subscribe(ctx, topic, handler); err != nil {
			return err
		}
	}

	return svc.pubsub.SubscribeRaw(ctx, svc.topics.UpdatesCBORTopic(), svc.cborUpdateHandler(ctx))
}

func (svc *service) handle(ctx context.Context) mqtt.Handler {
	return func(topic string, msg map[string]any) error {
		switch topic {
		case svc.topics.ClientCreateTopic():
			if err := svc.registerClientHandler(ctx, msg); err != nil {
				return err
			}
			svc.logger.InfoContext(ctx, "successfully registered client")
		case svc.topics.ClientAliveTopic():
			return svc.clientAliveHandler(ctx, msg)
		case svc.topics.UpdatesTopic():
			return svc.clientUpdateHandler(ctx, msg)
		}

		return nil
	}
}

func (svc *service) registerClientHandler(ctx context.Context, msg map[string]any) error {
	var c clients.Client
	if err := decodeMsg(msg, &c); err != nil {
		return err
	}
	if c.ID == "" {
		return errors.New("client id is empty")
	}

	if _, err := svc.RegisterClient(ctx, c); err != nil {
		return err
	}

	return nil
}

func (svc *service) clientAliveHandler(ctx context.Context, msg map[string]any) error {
	clientID, ok := msg["client_id"].(string)
	if !ok {
		return errors.New("invalid client_id")
	}
	if clientID == "" {
		return errors.New("client id is empty")
	}

	return svc.clients.Heartbeat(ctx, clientID, time.Now())
}

func (svc *service) clientUpdateHandler(ctx context.Context, msg map[string]any) error {
	var update fl.Update
	if err := decodeMsg(msg, &update); err != nil {
		return err
	}
	if update.ClientID == "" || update.JobID == "" {
		return errors.New("update missing client or job id")
	}

	return svc.SubmitUpdate(ctx, update)
}

func (svc *service) cborUpdateHandler(ctx context.Context) mqtt.RawHandler {
	return func(topic string, payload []byte) error {
		var update fl.Update
		if err := cbor.Unmarshal(payload, &update); err != nil {
			svc.logger.WarnContext(ctx, "discarding undecodable update",
				slog.String("topic", topic), slog.Any("error", err))

			return err
		}
		if update.ClientID == "" || update.JobID == "" {
			return errors.New("update missing client or job id")
		}

		return svc.SubmitUpdate(ctx, update)
	}
}

func decodeMsg(msg map[string]any, v any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}
