package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		name     string
		v1       string
		v2       string
		expected int
	}{
		{"v1 greater than v2", "1.2.0", "1.1.0", 1},
		{"v1 less than v2", "1.1.0", "1.2.0", -1},
		{"equal versions", "1.1.0", "1.1.0", 0},
		{"major version difference", "2.0.0", "1.9.9", 1},
		{"minor version difference", "1.10.0", "1.9.0", 1},
		{"patch version difference", "1.1.5", "1.1.4", 1},
		{"missing patch", "1.2", "1.2.0", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, compareVersions(tt.v1, tt.v2))
		})
	}
}

func TestFormatUpdateMessage(t *testing.T) {
	message := formatUpdateMessage(VersionCheckResult{
		CurrentVersion: "v1.0.0",
		LatestVersion:  "1.1.0",
		ReleaseURL:     "https://github.com/airframesio/data-compare/releases/tag/v1.1.0",
	})
	assert.Equal(t, "Update available: v1.0.0 → v1.1.0 (visit https://github.com/airframesio/data-compare/releases/tag/v1.1.0)", message)
}

func newTestChecker(t *testing.T, handler http.HandlerFunc) (*updateChecker, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return &updateChecker{
		url:       srv.URL,
		client:    srv.Client(),
		cachePath: filepath.Join(t.TempDir(), "version_check.json"),
		now:       time.Now,
	}, &calls
}

func TestUpdateCheckerSkipsDevBuilds(t *testing.T) {
	u, calls := newTestChecker(t, func(w http.ResponseWriter, _ *http.Request) {})
	for _, v := range []string{"dev", ""} {
		result := u.Check(context.Background(), v)
		assert.False(t, result.UpdateAvailable)
		assert.Equal(t, v, result.CurrentVersion)
	}
	assert.Zero(t, atomic.LoadInt32(calls))
}

func TestUpdateCheckerCachesResult(t *testing.T) {
	u, calls := newTestChecker(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "data-compare/1.0.0", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"tag_name":"v1.2.0","html_url":"https://example.com/v1.2.0"}`))
	})

	result := u.Check(context.Background(), "1.0.0")
	require.NoError(t, result.Error)
	assert.True(t, result.UpdateAvailable)
	assert.Equal(t, "1.2.0", result.LatestVersion)

	result = u.Check(context.Background(), "1.2.0")
	require.NoError(t, result.Error)
	assert.False(t, result.UpdateAvailable, "cached latest version is compared with the running one")
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	u.now = func() time.Time { return time.Now().Add(versionCacheExpiry + time.Minute) }
	u.Check(context.Background(), "1.2.0")
	assert.Equal(t, int32(2), atomic.LoadInt32(calls), "expired cache is refreshed")
}

func TestUpdateCheckerReportsErrors(t *testing.T) {
	u, _ := newTestChecker(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	result := u.Check(context.Background(), "1.0.0")
	assert.ErrorIs(t, result.Error, ErrVersionCheckFailed)
	assert.False(t, result.UpdateAvailable)
}
