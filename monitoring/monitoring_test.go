package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest(http.MethodPost, "/predict", http.StatusOK, 3*time.Millisecond)
	m.ObservePrediction(2)
	m.ObservePrediction(2)
	m.ObserveFailure(FailureValidation)
	m.SetModel("random_forest", "run-1", 1)
	m.SetStale(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.predictions.WithLabelValues("2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues(FailureValidation)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.failures.WithLabelValues(FailureInference)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelReady))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.modelStale))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `forestserve_http_requests_total{code="200",method="POST",route="/predict"} 1`)
	assert.Contains(t, body, `forestserve_model_info{kind="random_forest",run_id="run-1",schema_version="1"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestSetModelWithoutModel(t *testing.T) {
	m := NewMetrics()
	m.SetModel("random_forest", "run-1", 1)
	m.SetModel("", "", 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.modelReady))
	assert.Equal(t, 0, testutil.CollectAndCount(m.modelInfo))
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsPredictions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	counts := make(chan int, 8)
	hub := NewHub(nil, []string{"*"}, func(n int) { counts <- n })
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	require.Equal(t, 1, <-counts)
	assert.Equal(t, 1, hub.Clients())

	event := PredictionEvent{RequestID: "req-1", Value: 5.1, Label: 2, Confidence: 0.9, Timestamp: time.Now().UTC()}
	require.NoError(t, hub.Publish(PredictionMessage, event))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, PredictionMessage, msg.Type)
	assert.NotEmpty(t, msg.ID)

	var got PredictionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, 2, got.Label)

	conn.Close()
	select {
	case n := <-counts:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("client was not unregistered")
	}
}

func TestHubRejectsForeignOrigins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil, []string{"https://ops.example.com"}, nil)
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://ops.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	counts := make(chan int, 8)
	hub := NewHub(nil, nil, func(n int) { counts <- n })
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	conn := dialHub(t, hub)
	require.Equal(t, 1, <-counts)
	cancel()
	<-done

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Clients())
	assert.NoError(t, hub.Publish(StatusMessage, map[string]bool{"stale": true}), "publishing after shutdown does not block")
}
