package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drone-overwatch/pkg/config"
	"drone-overwatch/pkg/ontology"
	"drone-overwatch/pkg/services/connection"
	"drone-overwatch/pkg/shared"
)

func startTestApp(t *testing.T) *app {
	t.Helper()

	cfg := config.Default()
	cfg.EmbeddedBroker = true
	cfg.BrokerPort = -1
	cfg.DBPath = filepath.Join(t.TempDir(), "overwatch.db")
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.DataRequestInterval = 100 * time.Millisecond
	require.NoError(t, cfg.Validate())

	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, a.start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.stop(ctx)
	})

	require.Eventually(t, func() bool { return a.conn.State() == connection.StateConnected },
		5*time.Second, 10*time.Millisecond)
	return a
}

func TestRun_EndToEnd(t *testing.T) {
	a := startTestApp(t)

	nc, err := nats.Connect(a.broker.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	requests := make(chan *nats.Msg, 16)
	_, err = nc.ChanSubscribe(shared.SubjectRequestDronesData, requests)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	select {
	case msg := <-requests:
		assert.JSONEq(t, `{}`, string(msg.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("no data request received")
	}

	// Registry subscriptions reach the broker asynchronously.
	require.Eventually(t, func() bool {
		_ = nc.Publish(shared.SubjectDronePositions,
			[]byte(`[{"droneId":"d1","latitude":10,"longitude":20,"status":"FLYING"},{"droneId":"d2","batteryLevel":15}]`))
		_, ok := a.store.Get("d2")
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	d1, ok := a.store.Get("d1")
	require.True(t, ok)
	assert.Equal(t, ontology.StatusFlying, d1.Status)
	d2, _ := a.store.Get("d2")
	assert.Equal(t, ontology.StatusOffline, d2.Status)
	assert.Equal(t, 15.0, d2.BatteryPercentage)

	require.NoError(t, a.store.Select("d1"))
	require.Eventually(t, func() bool {
		_ = nc.Publish(shared.DroneFeedSubject("d1"), []byte(`{"droneId":"d1","speed":21,"batteryLevel":12}`))
		d, _ := a.store.Get("d1")
		// Feed telemetry is classified, unlike the broadcast.
		return d.Speed == 21 && d.Status == ontology.StatusLowBattery
	}, 5*time.Second, 50*time.Millisecond)

	// Feed messages still in flight may recreate d1 until the feed is released.
	require.Eventually(t, func() bool {
		_ = nc.Publish(shared.SubjectDronesDeleted, []byte(`{"droneId":"d1"}`))
		_, ok := a.store.Get("d1")
		return !ok && a.store.SelectedID() == ""
	}, 5*time.Second, 50*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/drones", nil)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"droneId":"d2"`)
}
