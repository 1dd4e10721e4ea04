package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageloom/pageloom/internal/eventbus"
)

func TestGetResponseOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	e := NewEngine(cfg, nil, nil, nil)

	resp, err := e.GetResponse(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.HTML, "ok")
}

func TestLoadResponsesEmitsNewResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>hi</html>"))
	}))
	defer srv.Close()

	bus := eventbus.New(8)
	var received int32
	bus.AddListener("new_responses", "t", func(ev eventbus.Event) {
		data, ok := ev.Data.(map[string]string)
		if ok && len(data) == 1 {
			atomic.AddInt32(&received, 1)
		}
	}, eventbus.Normal)
	bus.Start()
	defer bus.Close()

	cfg := DefaultConfig()
	e := NewEngine(cfg, bus, nil, nil)

	results, err := e.LoadResponses(context.Background(), []string{srv.URL})
	require.NoError(t, err)
	assert.Len(t, results, 1)

	require.NoError(t, bus.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
}

func TestLoadResponsesDropsAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	e := NewEngine(cfg, nil, nil, nil)

	results, err := e.LoadResponses(context.Background(), []string{srv.URL})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, e.retries)
}

func TestSetCrawlDelayConfiguresLimiter(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil, nil)
	assert.Nil(t, e.limiter)

	e.SetCrawlDelay(20 * time.Millisecond)
	require.NotNil(t, e.limiter)

	start := time.Now()
	require.NoError(t, e.Throttle(context.Background()))
	require.NoError(t, e.Throttle(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	e.SetCrawlDelay(0)
	assert.Nil(t, e.limiter)
}

func TestReadinessStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, readinessStatusCode(nil, false))
	assert.Equal(t, http.StatusRequestTimeout, readinessStatusCode(nil, true))
	assert.Equal(t, http.StatusBadRequest, readinessStatusCode(assert.AnError, true))
	assert.Equal(t, http.StatusBadRequest, readinessStatusCode(assert.AnError, false))
}

func TestNullHrefValuesRecognizesPlaceholders(t *testing.T) {
	for _, v := range []string{"#", "javascript:void(0);", "javascript:;"} {
		_, ok := nullHrefValues[v]
		assert.True(t, ok, v)
	}
	_, ok := nullHrefValues["/real/path"]
	assert.False(t, ok)
}
