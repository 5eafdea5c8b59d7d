package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

const (
	githubRepo    = "oszuidwest/zwfm-noisemeter"
	githubAPIBase = "https://api.github.com"
)

// Release polling schedule.
const (
	releasePollDelay    = 30 * time.Second
	releasePollInterval = 24 * time.Hour
	releasePollTimeout  = 30 * time.Second
	releasePollAttempts = 3
	releaseRetryDelay   = 1 * time.Minute
)

// errRetryLater marks poll failures worth another attempt in the same cycle.
var errRetryLater = errors.New("release check should be retried")

// VersionChecker tracks the newest published release. It is safe for
// concurrent use.
type VersionChecker struct {
	apiBase string
	client  *http.Client

	mu     sync.RWMutex
	latest string
	etag   string
}

// NewVersionChecker returns a VersionChecker. Call Run to start polling.
func NewVersionChecker() *VersionChecker {
	return &VersionChecker{
		apiBase: githubAPIBase,
		client:  &http.Client{Timeout: releasePollTimeout},
	}
}

// Run polls for releases shortly after startup and then daily, until
// ctx ends.
func (vc *VersionChecker) Run(ctx context.Context) {
	timer := time.NewTimer(releasePollDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			vc.pollCycle(ctx)
			timer.Reset(releasePollInterval)
		case <-ctx.Done():
			return
		}
	}
}

// pollCycle retries retryable failures a few times, then gives up until
// the next cycle.
func (vc *VersionChecker) pollCycle(ctx context.Context) {
	backoff := util.NewBackoff(releaseRetryDelay, releaseRetryDelay)
	for attempt := 1; ; attempt++ {
		err := vc.poll(ctx)
		if err == nil {
			return
		}
		if !errors.Is(err, errRetryLater) || attempt == releasePollAttempts {
			slog.Debug("release check failed", "attempts", attempt, "error", err)
			return
		}
		if backoff.Wait(ctx) != nil {
			return
		}
	}
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// poll asks GitHub for the latest release once. Unchanged answers (304)
// and repositories without releases (404) are not errors.
func (vc *VersionChecker) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, releasePollTimeout)
	defer cancel()

	endpoint := vc.apiBase + "/repos/" + githubRepo + "/releases/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "zwfm-noisemeter/"+Version)
	if etag := vc.currentETag(); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := vc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errRetryLater, err)
	}
	defer util.CloseLogged(resp.Body, "release response")

	switch {
	case resp.StatusCode == http.StatusNotModified, resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", errRetryLater, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return fmt.Errorf("%w: decode release: %w", errRetryLater, err)
	}
	if release.Draft || release.Prerelease {
		return nil
	}
	if _, ok := semverOf(release.TagName); !ok {
		return fmt.Errorf("release tag %q is not a version", release.TagName)
	}

	vc.mu.Lock()
	vc.latest = displayVersion(release.TagName)
	if etag := resp.Header.Get("ETag"); etag != "" {
		vc.etag = etag
	}
	vc.mu.Unlock()
	return nil
}

func (vc *VersionChecker) currentETag() string {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.etag
}

// Info returns the running build and the newest known release.
func (vc *VersionChecker) Info() types.VersionInfo {
	vc.mu.RLock()
	latest := vc.latest
	vc.mu.RUnlock()

	return types.VersionInfo{
		Current:     displayVersion(Version),
		Latest:      latest,
		Commit:      Commit,
		BuildTime:   formatBuildTime(BuildTime),
		UpdateAvail: isNewerVersion(latest, Version),
	}
}

// formatBuildTime renders an RFC 3339 build stamp in local time.
// Other values are returned unchanged.
func formatBuildTime(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return util.FormatHumanTime(t)
}

// displayVersion strips the tag's "v" prefix.
func displayVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// semverOf returns v as a semver string with "v" prefix.
func semverOf(v string) (string, bool) {
	sv := "v" + displayVersion(v)
	return sv, semver.IsValid(sv)
}

// isNewerVersion reports whether latest is newer than current. Builds
// that are not versioned ("dev") never report an update.
func isNewerVersion(latest, current string) bool {
	l, okL := semverOf(latest)
	c, okC := semverOf(current)
	return okL && okC && semver.Compare(l, c) > 0
}
