package cmd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/store"
)

func newTestViewer(t *testing.T, a *app) (*viewerServer, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	v := newViewerServer(a)
	v.startBackground(ctx)
	srv := httptest.NewServer(v.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return v, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilType reads messages until one of the given type arrives.
func readUntilType(t *testing.T, conn *websocket.Conn, msgType string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg.Data
		}
	}
}

func TestViewerAPI(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	a := newTestApp(t)
	_, srv := newTestViewer(t, a)

	_, err := a.service.Run(context.Background(), "accounts", accountsRunConfig(comparison.AlgorithmJoin))
	require.NoError(t, err)

	var status StatusResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/status", &status))
	assert.Equal(t, Version, status.Version)
	assert.Empty(t, status.Running)

	var list []ComparisonSummary
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/comparisons", &list))
	require.Len(t, list, 1)
	assert.Equal(t, "accounts", list[0].ID)
	assert.Equal(t, "accounts", list[0].SourceA)
	assert.Equal(t, "accounts_replica", list[0].SourceB)
	assert.Equal(t, comparison.StageCompleted, list[0].LastStage)
	assert.Equal(t, int64(3), list[0].DiffRows)

	var c comparison.Comparison
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/comparisons/accounts", &c))
	assert.NotEmpty(t, c.ResultsTableName)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/comparisons/missing", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/comparisons/bad%20id", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/comparisons/accounts/progress", nil))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "data_compare_runs_total")
	assert.Contains(t, string(body), "data_compare_diff_rows_total")

	resp, err = http.Get(srv.URL + "/")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "<style>", "assets are inlined")
	assert.NotContains(t, string(body), `href="styles.css"`)
}

func TestViewerBroadcastsProgress(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	a := newTestApp(t)
	v, srv := newTestViewer(t, a)

	conn := dialWS(t, srv, "/ws")
	readUntilType(t, conn, "status")

	v.progressSink("orders")(comparison.Progress{Stage: comparison.StageBucketComplete, CompletedBuckets: 2, TotalBuckets: 4})

	var ev store.ProgressEvent
	require.NoError(t, json.Unmarshal(readUntilType(t, conn, "progress"), &ev))
	assert.Equal(t, "orders", ev.ComparisonID)
	assert.Equal(t, comparison.StageBucketComplete, ev.Progress.Stage)
	assert.Equal(t, 2, ev.Progress.CompletedBuckets)
}

func TestViewerStreamsLogs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, srv := newTestViewer(t, newTestApp(t))
	conn := dialWS(t, srv, "/ws/logs")

	// The client registers after the handshake, so keep logging until it is served.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				logger.Info("hello viewer")
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg LogMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Message == "hello viewer" {
			assert.Equal(t, "INFO", msg.Level)
			return
		}
	}
}

func TestViewerProgressFromRedis(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	a := newTestApp(t)
	mr := miniredis.RunT(t)
	a.publisher = store.NewProgressPublisher(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute, logger)
	_, srv := newTestViewer(t, a)

	conn := dialWS(t, srv, "/ws/progress/orders")
	readUntilType(t, conn, "ready")

	require.NoError(t, a.publisher.Publish(context.Background(), "orders",
		comparison.Progress{Stage: comparison.StageInserting, ProcessedRows: 50}))

	var resp ProgressResponse
	require.NoError(t, json.Unmarshal(readUntilType(t, conn, "progress"), &resp))
	assert.Equal(t, "orders", resp.ComparisonID)
	assert.Equal(t, "redis", resp.Source)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, int64(50), resp.Progress.ProcessedRows)

	var latest ProgressResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/comparisons/orders/progress", &latest))
	assert.Equal(t, "redis", latest.Source)
}
