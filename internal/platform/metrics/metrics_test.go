package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"trafficnorm/internal/platform/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func registry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "trafficnorm_test_gauge", Help: "test"})
	g.Set(3)
	reg.MustRegister(g)
	return reg
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.New())
	require.False(t, c.Enabled())
	require.Equal(t, "trafficnorm_bulk", c.Job)

	t.Setenv("CORE_METRICS_TEXTFILE", "/tmp/x.prom")
	require.True(t, FromConfig(config.New()).Enabled())
}

func TestFlush_Disabled(t *testing.T) {
	require.NoError(t, Flush(context.Background(), registry(t), Config{}, nil))
}

func TestFlush_Textfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trafficnorm.prom")
	require.NoError(t, Flush(context.Background(), registry(t), Config{Textfile: path}, nil))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "trafficnorm_test_gauge 3")
}

func TestFlush_Push(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		path, body = r.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := Config{PushURL: srv.URL, Job: "trafficnorm_bulk"}
	require.NoError(t, Flush(context.Background(), registry(t), cfg, map[string]string{"table": "metrics_events"}))

	mu.Lock()
	defer mu.Unlock()
	require.True(t, strings.HasPrefix(path, "/metrics/job/trafficnorm_bulk"))
	require.Contains(t, path, "/table/metrics_events")
	require.NotEmpty(t, body)
}

func TestFlush_PushFailureStillWritesTextfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "out.prom")
	err := Flush(context.Background(), registry(t), Config{PushURL: srv.URL, Job: "j", Textfile: path}, nil)
	require.Error(t, err)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}
