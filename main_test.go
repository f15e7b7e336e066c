package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/egannguyen/sales-service/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBroker(t *testing.T) {
	for _, transport := range []string{config.TransportKafka, config.TransportMemory} {
		t.Run(transport, func(t *testing.T) {
			pub, sub, closeFn, err := newBroker(config.Config{EventTransport: transport, KafkaBrokers: []string{"localhost:9092"}})
			require.NoError(t, err)
			assert.NotNil(t, pub)
			assert.NotNil(t, sub)
			assert.NoError(t, closeFn())
		})
	}

	_, _, _, err := newBroker(config.Config{EventTransport: "smoke-signals"})
	assert.Error(t, err)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestRun_InMemory(t *testing.T) {
	addr := freeAddr(t)
	cfg := config.Config{
		DatabaseDriver: config.DriverMemory,
		EventTransport: config.TransportMemory,
		EventsTopic:    "sales.events",
		CommandsTopic:  "sales.commands",
		ConsumerGroup:  "test",
		HTTPAddr:       addr,
		RelayEvery:     50 * time.Millisecond,
		RelayBatch:     10,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body map[string]any
		if json.NewDecoder(resp.Body).Decode(&body) != nil {
			return false
		}
		return resp.StatusCode == http.StatusOK && body["status"] == "ok"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
