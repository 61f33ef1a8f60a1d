package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

var ErrVersionCheckFailed = errors.New("version check failed")

const (
	releasesURL         = "https://api.github.com/repos/airframesio/data-compare/releases/latest"
	versionCheckTimeout = 5 * time.Second
	versionCacheExpiry  = 24 * time.Hour
	versionCheckWait    = 2 * time.Second
)

// latestVersionCheck is the result of the background check, shown by the viewer.
var latestVersionCheck atomic.Pointer[VersionCheckResult]

// GitHubRelease is the part of the latest-release response we read.
type GitHubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

type VersionCheckResult struct {
	UpdateAvailable bool      `json:"update_available"`
	CurrentVersion  string    `json:"-"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseURL      string    `json:"release_url"`
	CheckedAt       time.Time `json:"checked_at"`
	Error           error     `json:"-"`
}

// updateChecker asks the release API for the latest version, caching the answer
// on disk for a day.
type updateChecker struct {
	url       string
	client    *http.Client
	cachePath string
	now       func() time.Time
}

func newUpdateChecker() *updateChecker {
	return &updateChecker{
		url:       releasesURL,
		client:    &http.Client{Timeout: versionCheckTimeout},
		cachePath: filepath.Join(stateDir(), "version_check.json"),
		now:       time.Now,
	}
}

// Check never fails hard: problems are reported in the result. Development
// builds are not checked.
func (u *updateChecker) Check(ctx context.Context, currentVersion string) VersionCheckResult {
	result := VersionCheckResult{CurrentVersion: currentVersion}
	if currentVersion == "dev" || currentVersion == "" {
		return result
	}
	current := strings.TrimPrefix(currentVersion, "v")

	if cached, ok := u.cached(); ok {
		cached.CurrentVersion = currentVersion
		cached.UpdateAvailable = compareVersions(cached.LatestVersion, current) > 0
		return cached
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result
	}
	// GitHub rejects requests without a User-Agent
	req.Header.Set("User-Agent", "data-compare/"+currentVersion)

	resp, err := u.client.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to fetch latest release: %w", err)
		return result
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("%w: status %d", ErrVersionCheckFailed, resp.StatusCode)
		return result
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		result.Error = fmt.Errorf("failed to decode response: %w", err)
		return result
	}

	result.LatestVersion = strings.TrimPrefix(release.TagName, "v")
	result.ReleaseURL = release.HTMLURL
	result.UpdateAvailable = compareVersions(result.LatestVersion, current) > 0
	result.CheckedAt = u.now()
	u.save(result)
	return result
}

func (u *updateChecker) cached() (VersionCheckResult, bool) {
	data, err := os.ReadFile(u.cachePath)
	if err != nil {
		return VersionCheckResult{}, false
	}
	var r VersionCheckResult
	if err := json.Unmarshal(data, &r); err != nil || u.now().Sub(r.CheckedAt) >= versionCacheExpiry {
		return VersionCheckResult{}, false
	}
	return r, true
}

func (u *updateChecker) save(r VersionCheckResult) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = writeFile(u.cachePath, data)
}

// startUpdateCheck checks for a newer release in the background and waits a
// short while for the answer so it can be logged before the command's output.
func startUpdateCheck(u *updateChecker) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		result := u.Check(context.Background(), Version)
		latestVersionCheck.Store(&result)

		if result.UpdateAvailable {
			logger.Info(fmt.Sprintf("💡 %s", formatUpdateMessage(result)))
		} else if result.Error != nil {
			logger.Debug(fmt.Sprintf("Version check failed: %v", result.Error))
		}
	}()

	select {
	case <-done:
	case <-time.After(versionCheckWait):
		logger.Debug("Version check taking longer than expected, continuing...")
	}
}

// compareVersions compares two semantic version strings
// Returns: 1 if v1 > v2, -1 if v1 < v2, 0 if equal
func compareVersions(v1, v2 string) int {
	parts1 := parseVersion(v1)
	parts2 := parseVersion(v2)

	for i := 0; i < 3; i++ {
		if parts1[i] > parts2[i] {
			return 1
		}
		if parts1[i] < parts2[i] {
			return -1
		}
	}
	return 0
}

// parseVersion parses a semantic version string into [major, minor, patch]
func parseVersion(version string) [3]int {
	var parts [3]int
	components := strings.Split(version, ".")

	for i := 0; i < 3 && i < len(components); i++ {
		var num int
		_, _ = fmt.Sscanf(components[i], "%d", &num)
		parts[i] = num
	}

	return parts
}

func formatUpdateMessage(result VersionCheckResult) string {
	return fmt.Sprintf("Update available: v%s → v%s (visit %s)",
		strings.TrimPrefix(result.CurrentVersion, "v"),
		result.LatestVersion,
		result.ReleaseURL,
	)
}
