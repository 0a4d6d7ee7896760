package training

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testPoint() Point {
	return Point{
		RunID:  "run-1",
		Model:  "m",
		Scope:  ScopeEpoch,
		Epoch:  3,
		Step:   12,
		Values: map[string]float64{MetricTrainLoss: 0.25, MetricValidationLoss: math.NaN()},
		Time:   time.Unix(0, 0).UTC(),
	}
}

func fastSinkConfig(url string) HTTPSinkConfig {
	return HTTPSinkConfig{BaseURL: url, Timeout: time.Second, RetryAttempts: 2, RetryDelay: time.Millisecond}
}

func TestHTTPSinkPostsJSON(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/metrics", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	sink, err := NewHTTPSink(fastSinkConfig(server.URL + "/"))
	require.NoError(t, err)
	require.NoError(t, sink.Log(context.Background(), testPoint()))

	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "epoch", got["scope"])
	values := got["values"].(map[string]interface{})
	assert.Equal(t, 0.25, values[MetricTrainLoss])
	assert.Nil(t, values[MetricValidationLoss], "NaN is sent as null")
}

func TestHTTPSinkRetriesServerErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"success":false,"message":"warming up"}`))
			return
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	sink, err := NewHTTPSink(fastSinkConfig(server.URL))
	require.NoError(t, err)
	require.NoError(t, sink.Log(context.Background(), testPoint()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestHTTPSinkGivesUp(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink, err := NewHTTPSink(fastSinkConfig(server.URL))
	require.NoError(t, err)
	err = sink.Log(context.Background(), testPoint())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "one attempt plus two retries")
}

func TestHTTPSinkDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"success":false,"message":"bad point"}`))
	}))
	defer server.Close()

	sink, err := NewHTTPSink(fastSinkConfig(server.URL))
	require.NoError(t, err)
	err = sink.Log(context.Background(), testPoint())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad point")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestHTTPSinkHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	sink, err := NewHTTPSink(fastSinkConfig(server.URL))
	require.NoError(t, err)
	assert.NoError(t, sink.CheckHealth(context.Background()))

	_, err = NewHTTPSink(HTTPSinkConfig{})
	assert.Error(t, err)
}

func TestSafeSinkSwallowsAndLogs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	inner := &failingSink{}
	sink := NewSafeSink(inner, zap.New(core))

	assert.NoError(t, sink.Log(context.Background(), testPoint()))
	assert.NoError(t, sink.Log(context.Background(), testPoint()))
	assert.Equal(t, 2, sink.Dropped())
	assert.Equal(t, 2, inner.calls)
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "metric point dropped", logs.All()[0].Message)

	assert.NoError(t, NewSafeSink(nil, nil).Log(context.Background(), testPoint()))
}

func TestLogSinkAndMultiSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	mem := &MemorySink{}
	sink := MultiSink{LogSink{Logger: zap.New(core)}, mem}

	p := testPoint()
	require.NoError(t, sink.Log(context.Background(), p))
	p.Scope = ScopeBatch
	require.NoError(t, sink.Log(context.Background(), p))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zap.InfoLevel, logs.All()[0].Level)
	assert.Equal(t, zap.DebugLevel, logs.All()[1].Level)
	assert.Len(t, mem.Points(), 2)

	assert.Error(t, MultiSink{mem, &failingSink{}}.Log(context.Background(), p))
}

func TestSafeSinkQueueDeliversInOrder(t *testing.T) {
	mem := &MemorySink{}
	sink := NewSafeSink(mem, nil)
	sink.StartQueue(8)
	for step := 0; step < 5; step++ {
		p := testPoint()
		p.Step = step
		assert.NoError(t, sink.Log(context.Background(), p))
	}
	sink.StopQueue(time.Second)

	points := mem.Points()
	require.Len(t, points, 5)
	for i, p := range points {
		assert.Equal(t, i, p.Step)
	}
	assert.Equal(t, 0, sink.Dropped())

	// Back to synchronous delivery.
	require.NoError(t, sink.Log(context.Background(), testPoint()))
	assert.Len(t, mem.Points(), 6)
}

func TestSafeSinkQueueDropsWhenFull(t *testing.T) {
	inner := newBlockingSink()
	sink := NewSafeSink(inner, nil)
	sink.StartQueue(1)

	require.NoError(t, sink.Log(context.Background(), testPoint()))
	<-inner.started
	require.NoError(t, sink.Log(context.Background(), testPoint()))
	require.NoError(t, sink.Log(context.Background(), testPoint()))
	assert.Equal(t, 1, sink.Dropped(), "queue full")

	start := time.Now()
	sink.StopQueue(20 * time.Millisecond)
	assert.Less(t, int64(time.Since(start)), int64(time.Second))
	assert.Equal(t, 3, sink.Dropped(), "in-flight and queued points abandoned")
}

func TestSlowCollectorDoesNotStallTraining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	httpSink, err := NewHTTPSink(HTTPSinkConfig{
		BaseURL:       srv.URL,
		Timeout:       100 * time.Millisecond,
		RetryAttempts: 3,
		RetryDelay:    10 * time.Millisecond,
	})
	require.NoError(t, err)

	model := &fakeModel{name: "m"}
	tr, _ := newTestTrainer(t, 1, model, &fakeLoss{model: model}, nil, func(c *Config) {
		c.Sink = httpSink
		c.SinkQueue = 2
		c.SinkFlushTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	summary, err := tr.Run(context.Background(), trainLoader(), NewSliceLoader(makeBatch(2, 1, 1)))
	require.NoError(t, err)
	assert.Less(t, int64(time.Since(start)), int64(time.Second))
	// 2 train + 1 validation batch + 1 epoch point, none delivered
	assert.Equal(t, 4, summary.DroppedPoints)
}
