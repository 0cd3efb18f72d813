package common

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

func TestConnectWithRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := ConnectWithRetry(context.Background(), logger.Noop(), "test", 30*time.Second, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestConnectWithRetry_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := ConnectWithRetry(ctx, logger.Noop(), "test", time.Minute, func() error {
		calls++
		return errors.New("down")
	})
	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestRateLimiter_UpdateLimits(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	require.NoError(t, rl.Wait(context.Background()), "burst allows the first call")

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(short), "the next token is a second away")

	rl.UpdateLimits(1000, 1)
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, rl.Wait(ctx))
}

func TestMetricsMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "probe_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := httptest.NewServer(metricsMux(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, body.String(), "probe_total 1")

	resp, err = http.Get(srv.URL + "/v1/liveness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
