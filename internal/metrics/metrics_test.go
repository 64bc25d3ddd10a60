package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCounters(t *testing.T) {
	m := New()

	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()

	assert.Equal(t, uint64(1), m.ActiveClients.Load())
	assert.Equal(t, uint64(2), m.TotalClients.Load())
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.FramesPublished.Add(7)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "mjpeg_frames_published_total" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 7.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "published gauge not registered")
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.FramesCorrupt.Add(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mjpeg_frames_corrupt_total 2")
}
