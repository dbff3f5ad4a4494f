// Package update checks a remote version marker to tell the user when
// a newer release exists. The result is advisory only; nothing is
// downloaded or installed.
package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/choobs96/token-overlay/internal/logger"
)

const (
	defaultVersionURL = "https://raw.githubusercontent.com/choobs96/token-overlay/main/VERSION"
	requestTimeout    = 10 * time.Second
	// markers larger than this are treated as garbage, not versions
	maxMarkerSize = 256
)

// Result holds the outcome of one version check.
type Result struct {
	CurrentVersion string
	LatestVersion  string
	Available      bool
}

// Checker fetches the remote version marker and compares it against
// the running build.
type Checker struct {
	versionURL     string
	currentVersion string
	httpClient     *http.Client
}

// NewChecker creates a checker for the given running version.
func NewChecker(currentVersion string) *Checker {
	return &Checker{
		versionURL:     defaultVersionURL,
		currentVersion: currentVersion,
		httpClient:     &http.Client{Timeout: requestTimeout},
	}
}

// Check fetches the remote marker and reports whether it is newer than
// the running version. Network failures degrade to "up to date": the
// overlay must never nag because a check could not run.
func (c *Checker) Check(ctx context.Context) Result {
	result := Result{CurrentVersion: c.currentVersion}

	// Development builds have no comparable version.
	if c.currentVersion == "" || c.currentVersion == "dev" {
		return result
	}

	latest, err := c.fetchLatest(ctx)
	if err != nil {
		logger.Debug("update check failed", "error", err)
		return result
	}

	result.LatestVersion = latest
	result.Available = versionLess(c.currentVersion, latest)
	return result
}

func (c *Checker) fetchLatest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.versionURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching version marker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version marker returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMarkerSize))
	if err != nil {
		return "", fmt.Errorf("reading version marker: %w", err)
	}

	latest := strings.TrimSpace(string(body))
	if latest == "" {
		return "", fmt.Errorf("version marker is empty")
	}
	return latest, nil
}

// versionLess reports whether current is strictly older than latest,
// comparing dotted numeric components left to right. Malformed
// components compare as zero, so a garbage marker never reports an
// update over a well-formed local version.
func versionLess(current, latest string) bool {
	cur := parseVersion(current)
	lat := parseVersion(latest)

	n := len(cur)
	if len(lat) > n {
		n = len(lat)
	}
	for i := 0; i < n; i++ {
		var c, l int
		if i < len(cur) {
			c = cur[i]
		}
		if i < len(lat) {
			l = lat[i]
		}
		if c != l {
			return c < l
		}
	}
	return false
}

func parseVersion(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	parts := strings.Split(v, ".")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		nums[i] = n
	}
	return nums
}
