package clients

import (
	"context"

	"github.com/absmach/flock/pkg/fl"
	pkgmqtt "github.com/absmach/flock/pkg/mqtt"
)

// MQTTComms delivers engine messages to clients over the broker. There is no
// per-client session to hold, so establishing a connection means announcing
// the admission on the client's control topic.
type MQTTComms struct {
	pubsub pkgmqtt.PubSub
	topics *pkgmqtt.TopicBuilder
}

var _ Comms = (*MQTTComms)(nil)

func NewMQTTComms(pubsub pkgmqtt.PubSub, topics *pkgmqtt.TopicBuilder) *MQTTComms {
	return &MQTTComms{
		pubsub: pubsub,
		topics: topics,
	}
}

func (c *MQTTComms) Establish(ctx context.Context, client Client) error {
	payload := map[string]any{
		"status":    "admitted",
		"client_id": client.ID,
		"name":      client.Name,
	}

	return c.pubsub.Publish(ctx, c.topics.ClientControlTopic(client.ID), payload)
}

func (c *MQTTComms) Close(ctx context.Context, clientID string) error {
	payload := map[string]any{
		"status":    "disconnected",
		"client_id": clientID,
	}

	return c.pubsub.Publish(ctx, c.topics.ClientControlTopic(clientID), payload)
}

func (c *MQTTComms) SendTask(ctx context.Context, clientID string, task fl.Task) error {
	return c.pubsub.Publish(ctx, c.topics.ClientTaskTopic(clientID), task)
}

// NoopComms drops all outbound messages. Used when the engine is embedded
// and the hosting process moves messages itself.
type NoopComms struct{}

var _ Comms = (*NoopComms)(nil)

func NewNoopComms() *NoopComms {
	return &NoopComms{}
}

func (c *NoopComms) Establish(_ context.Context, _ Client) error {
	return nil
}

func (c *NoopComms) Close(_ context.Context, _ string) error {
	return nil
}

func (c *NoopComms) SendTask(_ context.Context, _ string, _ fl.Task) error {
	return nil
}
