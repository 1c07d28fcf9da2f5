package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/refnet/backend/internal/config"
	"github.com/vanshika/refnet/backend/internal/logging"
)

func TestServerServesUntilCancelled(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := New(logging.Discard(), config.HTTPConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: time.Second}, handler)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerListenFailsOnBusyPort(t *testing.T) {
	first := New(logging.Discard(), config.HTTPConfig{Host: "127.0.0.1"}, http.NotFoundHandler())
	require.NoError(t, first.Listen())
	t.Cleanup(func() { first.listener.Close() })

	_, rawPort, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(rawPort)
	require.NoError(t, err)
	second := New(logging.Discard(), config.HTTPConfig{Host: "127.0.0.1", Port: port}, http.NotFoundHandler())
	assert.ErrorContains(t, second.Listen(), "listen on")
}
