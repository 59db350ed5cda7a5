package proxy

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/absmach/flock/pkg/mqtt"
)

func newTestProxy(t *testing.T) *ProxyService {
	t.Helper()

	svc, err := NewService(
		nil,
		mqtt.NewTopicBuilder("test-domain", "test-channel"),
		HTTPProxyConfig{},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		strings.Repeat("ab", 32),
	)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	return svc
}

func TestNewServiceRejectsBadKey(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{
			name: "not hex",
			key:  "zz",
		},
		{
			name: "wrong length",
			key:  strings.Repeat("ab", 16),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewService(nil, nil, HTTPProxyConfig{}, nil, tc.key)
			if err == nil {
				t.Fatal("Expected key error")
			}
			if !strings.Contains(err.Error(), "failed to parse model key") {
				t.Errorf("Expected key parse error, got %q", err.Error())
			}
		})
	}
}

func TestHandleRequest(t *testing.T) {
	svc := newTestProxy(t)
	handler := svc.handleRequest(context.Background())

	if err := handler("topic", map[string]interface{}{"model_ref": "models/mnist:v3"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	select {
	case ref := <-svc.ModelChan():
		if ref != "models/mnist:v3" {
			t.Errorf("Expected queued reference, got %s", ref)
		}
	default:
		t.Fatal("Expected model reference to be queued")
	}
}

func TestHandleRequestDropsWhenBusy(t *testing.T) {
	svc := newTestProxy(t)
	handler := svc.handleRequest(context.Background())

	if err := handler("topic", map[string]interface{}{"model_ref": "models/first:v1"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// A second request while the first is still pending is dropped, not
	// queued behind it.
	if err := handler("topic", map[string]interface{}{"model_ref": "models/second:v1"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := <-svc.ModelChan(); got != "models/first:v1" {
		t.Errorf("Expected first reference to survive, got %s", got)
	}
	select {
	case got := <-svc.ModelChan():
		t.Errorf("Expected busy request to be dropped, got %s", got)
	default:
	}
}

func TestHandleRequestMissingRef(t *testing.T) {
	svc := newTestProxy(t)
	handler := svc.handleRequest(context.Background())

	if err := handler("topic", map[string]interface{}{}); err == nil {
		t.Fatal("Expected error for missing model_ref")
	}
	if err := handler("topic", map[string]interface{}{"model_ref": ""}); err == nil {
		t.Fatal("Expected error for empty model_ref")
	}
}
