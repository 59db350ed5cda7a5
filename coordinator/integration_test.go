package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/job"
	"github.com/absmach/flock/pkg/fl"
	"github.com/absmach/flock/pkg/mqtt"
)

// mockPubSub is an in-process broker stand-in recording every publish and
// dispatching simulated inbound messages to the registered handlers.
type mockPubSub struct {
	published     map[string][]interface{}
	publishedRaw  map[string][][]byte
	subscribed    map[string]mqtt.Handler
	subscribedRaw map[string]mqtt.RawHandler
}

func newMockPubSub() *mockPubSub {
	return &mockPubSub{
		published:     make(map[string][]interface{}),
		publishedRaw:  make(map[string][][]byte),
		subscribed:    make(map[string]mqtt.Handler),
		subscribedRaw: make(map[string]mqtt.RawHandler),
	}
}

func (m *mockPubSub) Publish(ctx context.Context, topic string, payload interface{}) error {
	m.published[topic] = append(m.published[topic], payload)

	return nil
}

func (m *mockPubSub) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	m.publishedRaw[topic] = append(m.publishedRaw[topic], payload)

	return nil
}

func (m *mockPubSub) Subscribe(ctx context.Context, topic string, handler mqtt.Handler) error {
	m.subscribed[topic] = handler

	return nil
}

func (m *mockPubSub) SubscribeRaw(ctx context.Context, topic string, handler mqtt.RawHandler) error {
	m.subscribedRaw[topic] = handler

	return nil
}

func (m *mockPubSub) Unsubscribe(ctx context.Context, topic string) error {
	delete(m.subscribed, topic)
	delete(m.subscribedRaw, topic)

	return nil
}

func (m *mockPubSub) Disconnect(ctx context.Context) error {
	return nil
}

func (m *mockPubSub) simulateMessage(topic string, msg map[string]any) error {
	if handler, ok := m.subscribed[topic]; ok {
		return handler(topic, msg)
	}
	// Try wildcard match
	for subTopic, handler := range m.subscribed {
		if matchesWildcard(topic, subTopic) {
			return handler(topic, msg)
		}
	}

	return nil
}

func (m *mockPubSub) simulateRaw(topic string, payload []byte) error {
	if handler, ok := m.subscribedRaw[topic]; ok {
		return handler(topic, payload)
	}
	for subTopic, handler := range m.subscribedRaw {
		if matchesWildcard(topic, subTopic) {
			return handler(topic, payload)
		}
	}

	return nil
}

func matchesWildcard(topic, pattern string) bool {
	if pattern == "#" {
		return true
	}
	if pattern == topic {
		return true
	}
	patternParts := splitTopic(pattern)
	topicParts := splitTopic(topic)

	if len(patternParts) > len(topicParts) {
		return false
	}

	for i, part := range patternParts {
		if part == "#" {
			return true
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}

	return len(patternParts) == len(topicParts)
}

func splitTopic(topic string) []string {
	parts := []string{}
	current := ""
	for _, c := range topic {
		if c == '/' {
			if current != "" {
				parts = append(parts, current)
				current = ""
			}
		} else {
			current += string(c)
		}
	}
	if current != "" {
		parts = append(parts, current)
	}

	return parts
}

func toMsg(t *testing.T, v any) map[string]any {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}

	return msg
}

func auditTypes(published []interface{}) []string {
	types := []string{}
	for _, payload := range published {
		envelope, ok := payload.(map[string]any)
		if !ok || envelope["kind"] != "audit" {
			continue
		}
		if event, ok := envelope["event"].(AuditEvent); ok {
			types = append(types, event.Type)
		}
	}

	return types
}

func TestFederatedWorkflowIntegration(t *testing.T) {
	ctx := context.Background()
	pubsubMock := newMockPubSub()

	engine := NewEngine(EngineConfig{
		PubSub:    pubsubMock,
		DomainID:  "test-domain",
		ChannelID: "test-channel",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	topics := engine.Topics

	if err := engine.Coordinator.Subscribe(ctx); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	if len(pubsubMock.subscribed) != 3 {
		t.Fatalf("Expected 3 JSON subscriptions, got %d", len(pubsubMock.subscribed))
	}
	if _, ok := pubsubMock.subscribedRaw[topics.UpdatesCBORTopic()]; !ok {
		t.Fatal("Expected raw subscription on the CBOR updates topic")
	}

	// Step 1: Clients announce themselves on the create topic.
	clientA := trainClient("edge-node-00")
	clientB := trainClient("edge-node-01")
	if err := pubsubMock.simulateMessage(topics.ClientCreateTopic(), toMsg(t, clientA)); err != nil {
		t.Fatalf("Failed to simulate client create: %v", err)
	}
	if err := pubsubMock.simulateMessage(topics.ClientCreateTopic(), toMsg(t, clientB)); err != nil {
		t.Fatalf("Failed to simulate client create: %v", err)
	}

	page, err := engine.Coordinator.ListClients(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Failed to list clients: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("Expected 2 admitted clients, got %d", page.Total)
	}

	// Admission is announced on each client's control topic.
	admissions := pubsubMock.published[topics.ClientControlTopic(clientA.ID)]
	if len(admissions) != 1 {
		t.Fatalf("Expected 1 admission message, got %d", len(admissions))
	}
	if control, ok := admissions[0].(map[string]any); !ok || control["status"] != "admitted" {
		t.Errorf("Expected admitted control message, got %v", admissions[0])
	}

	// Step 2: A heartbeat arrives on the alive topic.
	if err := pubsubMock.simulateMessage(topics.ClientAliveTopic(), map[string]any{"client_id": clientA.ID}); err != nil {
		t.Fatalf("Failed to simulate heartbeat: %v", err)
	}
	beatClient, err := engine.Coordinator.GetClient(ctx, clientA.ID)
	if err != nil {
		t.Fatalf("Failed to get client: %v", err)
	}
	if beatClient.LastHeartbeat.IsZero() {
		t.Error("Expected heartbeat to be recorded")
	}

	// Step 3: Create and start a single-round job.
	j, err := engine.Coordinator.CreateJob(ctx, job.TrainingJob{
		Name:         "fraud-detector",
		MinClients:   2,
		TargetRounds: 1,
		Aggregation:  job.AggregationPolicy{Algorithm: job.AlgorithmMedian},
	})
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	if err := engine.Coordinator.StartJob(ctx, j.ID); err != nil {
		t.Fatalf("Failed to start job: %v", err)
	}

	// Each selected client receives its training task.
	for _, id := range []string{clientA.ID, clientB.ID} {
		tasks := pubsubMock.published[topics.ClientTaskTopic(id)]
		if len(tasks) != 1 {
			t.Fatalf("Expected 1 task for %s, got %d", id, len(tasks))
		}
		task, ok := tasks[0].(fl.Task)
		if !ok {
			t.Fatalf("Expected fl.Task payload, got %T", tasks[0])
		}
		if task.JobID != j.ID || task.Round != 1 {
			t.Errorf("Expected task for job %s round 1, got job %s round %d", j.ID, task.JobID, task.Round)
		}
	}

	starts := pubsubMock.published[topics.RoundStartTopic()]
	if len(starts) != 1 {
		t.Fatalf("Expected 1 round start announcement, got %d", len(starts))
	}
	if start, ok := starts[0].(map[string]any); !ok || start["round"] != 1 {
		t.Errorf("Expected round 1 announcement, got %v", starts[0])
	}

	// Step 4: The first update arrives JSON-encoded on the updates topic.
	updateA := roundUpdate(clientA.ID, j.ID, 1, 1.0, 0.4)
	if err := pubsubMock.simulateMessage(topics.UpdatesTopic(), toMsg(t, updateA)); err != nil {
		t.Fatalf("Failed to simulate JSON update: %v", err)
	}

	running, err := engine.Coordinator.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if running.State != job.Running {
		t.Fatalf("Expected job still running, got %s", running.State)
	}

	// Step 5: The second update arrives CBOR-encoded and completes the quorum.
	updateB := roundUpdate(clientB.ID, j.ID, 1, 3.0, 0.4)
	payload, err := cbor.Marshal(updateB)
	if err != nil {
		t.Fatalf("Failed to marshal CBOR update: %v", err)
	}
	if err := pubsubMock.simulateRaw(topics.UpdatesCBORTopic(), payload); err != nil {
		t.Fatalf("Failed to simulate CBOR update: %v", err)
	}

	// Step 6: Quorum aggregation completed the single-round job.
	done, err := engine.Coordinator.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if done.State != job.Completed {
		t.Fatalf("Expected job completed, got %s", done.State)
	}

	model, err := engine.Coordinator.GetModel(ctx, j.ID)
	if err != nil {
		t.Fatalf("Failed to get model: %v", err)
	}
	if model.Version != 1 {
		t.Errorf("Expected model version 1, got %d", model.Version)
	}
	if v := model.Params["dense.weight"][0]; math.Abs(v-2.0) > 0.0001 {
		t.Errorf("Expected aggregated model value 2.0, got %f", v)
	}

	result, err := engine.Coordinator.GetRoundResult(ctx, j.ID, 1)
	if err != nil {
		t.Fatalf("Failed to get round result: %v", err)
	}
	if len(result.Participants) != 2 {
		t.Errorf("Expected 2 participants, got %d", len(result.Participants))
	}

	released, err := engine.Coordinator.GetClient(ctx, clientA.ID)
	if err != nil {
		t.Fatalf("Failed to get client: %v", err)
	}
	if released.Status != clients.Available {
		t.Errorf("Expected client released after completion, got %s", released.Status)
	}

	// The events topic carries the whole lifecycle.
	types := auditTypes(pubsubMock.published[topics.EventsTopic()])
	expected := []string{EventJobCreated, EventJobStarted, EventRoundStarted, EventRoundAggregated, EventJobCompleted}
	for _, want := range expected {
		found := false
		for _, got := range types {
			if got == want {
				found = true

				break
			}
		}
		if !found {
			t.Errorf("Expected %s on the events topic, got %v", want, types)
		}
	}
}
