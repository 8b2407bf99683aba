package monitor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allyourbase/smsgw/internal/modem"
	"github.com/allyourbase/smsgw/internal/monitor"
	"github.com/allyourbase/smsgw/internal/testutil"
)

type fakeGate struct {
	paused  atomic.Bool
	pauses  atomic.Int32
	resumes atomic.Int32
}

func (g *fakeGate) PauseQueue(ctx context.Context, queueName, reason string) error {
	g.paused.Store(true)
	g.pauses.Add(1)
	return nil
}

func (g *fakeGate) ResumeQueue(ctx context.Context, queueName string) error {
	g.paused.Store(false)
	g.resumes.Add(1)
	return nil
}

func sesTokHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><response><SesInfo>SessionID=abc</SesInfo><TokInfo>tok</TokInfo></response>`))
	}
}

func newTestClient(t *testing.T, baseURL string) *modem.Client {
	t.Helper()
	cl, err := modem.NewClient(modem.Config{BaseURL: baseURL, RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	return cl
}

func TestMonitorPausesQueueOnFirstFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/webserver/SesTokInfo", sesTokHandler())
	mux.HandleFunc("/api/monitoring/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gate := &fakeGate{}
	m := monitor.New(newTestClient(t, srv.URL), gate, testutil.DiscardLogger(), time.Minute, 20)

	m.Tick(t.Context())
	assert.True(t, gate.paused.Load())
	assert.Equal(t, int32(1), gate.pauses.Load())
	assert.False(t, m.GetStatus().Available)
	assert.False(t, m.IsHealthy())

	// A second consecutive failure must not pause again (only the
	// healthy->unhealthy transition does).
	m.Tick(t.Context())
	assert.Equal(t, int32(1), gate.pauses.Load())
}

func TestMonitorResumesQueueOnRecovery(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/webserver/SesTokInfo", sesTokHandler())
	mux.HandleFunc("/api/monitoring/status", func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`<?xml version="1.0"?><response><signal_strength>80</signal_strength><network_type>LTE</network_type><network_name>Carrier</network_name><battery_level>90</battery_level><connection_status>connected</connection_status></response>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gate := &fakeGate{}
	m := monitor.New(newTestClient(t, srv.URL), gate, testutil.DiscardLogger(), time.Minute, 20)

	m.Tick(t.Context())
	require.Equal(t, int32(1), gate.pauses.Load())

	failing.Store(false)
	m.Tick(t.Context())
	assert.Equal(t, int32(1), gate.resumes.Load())
	assert.True(t, m.IsHealthy())
	status := m.GetStatus()
	assert.True(t, status.Available)
	assert.Equal(t, 80, status.SignalStrength)

	// A second healthy tick must not resume again.
	m.Tick(t.Context())
	assert.Equal(t, int32(1), gate.resumes.Load())
}

func TestMonitorWarnsOnLowSignalButStaysHealthy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/webserver/SesTokInfo", sesTokHandler())
	mux.HandleFunc("/api/monitoring/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?><response><signal_strength>5</signal_strength><network_type>LTE</network_type><network_name>Carrier</network_name><battery_level>50</battery_level><connection_status>connected</connection_status></response>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gate := &fakeGate{}
	m := monitor.New(newTestClient(t, srv.URL), gate, testutil.DiscardLogger(), time.Minute, 20)

	m.Tick(t.Context())
	assert.True(t, m.IsHealthy())
	assert.Equal(t, int32(0), gate.pauses.Load())
	assert.Equal(t, 5, m.GetStatus().SignalStrength)
}
