package mqtt

import "fmt"

// TopicBuilder derives the engine's topic tree from the messaging domain and
// channel identifiers.
type TopicBuilder struct {
	domainID  string
	channelID string
}

func NewTopicBuilder(domainID, channelID string) *TopicBuilder {
	return &TopicBuilder{
		domainID:  domainID,
		channelID: channelID,
	}
}

func (tb *TopicBuilder) BaseTopic() string {
	return fmt.Sprintf("m/%s/c/%s", tb.domainID, tb.channelID)
}

// ClientCreateTopic carries registration announcements from clients.
func (tb *TopicBuilder) ClientCreateTopic() string {
	return tb.BaseTopic() + "/control/client/create"
}

// ClientAliveTopic carries client heartbeats.
func (tb *TopicBuilder) ClientAliveTopic() string {
	return tb.BaseTopic() + "/control/client/alive"
}

// ClientTaskTopic addresses one client's round-start tasks.
func (tb *TopicBuilder) ClientTaskTopic(clientID string) string {
	return fmt.Sprintf("%s/fl/tasks/%s", tb.BaseTopic(), clientID)
}

// ClientControlTopic addresses engine control messages to one client.
func (tb *TopicBuilder) ClientControlTopic(clientID string) string {
	return fmt.Sprintf("%s/control/client/%s", tb.BaseTopic(), clientID)
}

// UpdatesTopic carries JSON-encoded model updates.
func (tb *TopicBuilder) UpdatesTopic() string {
	return tb.BaseTopic() + "/fl/updates"
}

// UpdatesCBORTopic carries CBOR-encoded model updates.
func (tb *TopicBuilder) UpdatesCBORTopic() string {
	return tb.BaseTopic() + "/fl/updates/cbor"
}

// RoundStartTopic announces a new round to all participants.
func (tb *TopicBuilder) RoundStartTopic() string {
	return tb.BaseTopic() + "/fl/rounds/start"
}

// EventsTopic carries job lifecycle and security audit events.
func (tb *TopicBuilder) EventsTopic() string {
	return tb.BaseTopic() + "/fl/events"
}

// RegistryServerTopic streams model artifact chunks from the proxy.
func (tb *TopicBuilder) RegistryServerTopic() string {
	return tb.BaseTopic() + "/registry/server"
}

// RegistryRequestTopic carries model artifact fetch requests to the proxy.
func (tb *TopicBuilder) RegistryRequestTopic() string {
	return tb.BaseTopic() + "/registry/proxy"
}

func (tb *TopicBuilder) AllTopics() string {
	return tb.BaseTopic() + "/#"
}
