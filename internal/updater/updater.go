// Package updater looks up newer agent releases on GitHub.
package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

const (
	// GitHubReleasesURL lists the agent's releases.
	GitHubReleasesURL = "https://api.github.com/repos/SimplyPrint/pcsc-agent/releases?per_page=20"
	// CacheDuration is how long a check result is reused.
	CacheDuration = 30 * time.Minute
	// RequestTimeout bounds a single GitHub request.
	RequestTimeout = 10 * time.Second
	// UserAgent identifies this client to GitHub.
	UserAgent = "pcsc-agent-updater"
	// MaxReleaseNotesLength caps the release notes returned to clients.
	MaxReleaseNotesLength = 500
)

// releaseTagPattern matches agent release tags (v1.2.3) but not SDK tags (sdk-v1.2.3).
var releaseTagPattern = regexp.MustCompile(`^v\d+\.\d+\.\d+`)

var (
	errRateLimited     = errors.New("rate limited by GitHub API, try again later")
	errNoReleases      = errors.New("no releases found")
	errNoAgentReleases = errors.New("no agent releases found")
)

// GitHubRelease is the subset of the GitHub release object the checker reads.
type GitHubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        string        `json:"name"`
	Body        string        `json:"body"`
	HTMLURL     string        `json:"html_url"`
	Draft       bool          `json:"draft"`
	Prerelease  bool          `json:"prerelease"`
	PublishedAt time.Time     `json:"published_at"`
	Assets      []GitHubAsset `json:"assets"`
}

// GitHubAsset is a downloadable file attached to a release.
type GitHubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
	ContentType        string `json:"content_type"`
}

// UpdateInfo is the result of a check, served on /v1/updates.
type UpdateInfo struct {
	Available      bool       `json:"available"`
	CurrentVersion string     `json:"currentVersion"`
	LatestVersion  string     `json:"latestVersion,omitempty"`
	ReleaseURL     string     `json:"releaseUrl,omitempty"`
	ReleaseNotes   string     `json:"releaseNotes,omitempty"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	DownloadURL    string     `json:"downloadUrl,omitempty"`
	Platform       string     `json:"platform"`
	CheckedAt      time.Time  `json:"checkedAt"`
	Error          string     `json:"error,omitempty"`
	IsDev          bool       `json:"isDev"`
}

// Checker compares the running version with the latest release and caches
// the answer for CacheDuration.
type Checker struct {
	current     Version
	currentRaw  string
	releasesURL string
	httpClient  *http.Client

	mu           sync.RWMutex
	cachedResult *UpdateInfo
	cacheExpiry  time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithReleasesURL points the checker at another release listing.
func WithReleasesURL(url string) Option {
	return func(c *Checker) {
		c.releasesURL = url
	}
}

// NewChecker creates a checker for the running version.
func NewChecker(currentVersion string, opts ...Option) *Checker {
	c := &Checker{
		current:     ParseVersion(currentVersion),
		currentRaw:  currentVersion,
		releasesURL: GitHubReleasesURL,
		httpClient:  &http.Client{Timeout: RequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns the cached result unless it expired or forceRefresh is set.
// Failures are reported in UpdateInfo.Error and cached like successes.
func (c *Checker) Check(ctx context.Context, forceRefresh bool) *UpdateInfo {
	if !forceRefresh {
		c.mu.RLock()
		if c.cachedResult != nil && time.Now().Before(c.cacheExpiry) {
			result := *c.cachedResult
			c.mu.RUnlock()
			return &result
		}
		c.mu.RUnlock()
	}

	result := c.check(ctx)

	c.mu.Lock()
	c.cachedResult = result
	c.cacheExpiry = time.Now().Add(CacheDuration)
	c.mu.Unlock()

	copied := *result
	return &copied
}

// ClearCache forgets the last result.
func (c *Checker) ClearCache() {
	c.mu.Lock()
	c.cachedResult = nil
	c.cacheExpiry = time.Time{}
	c.mu.Unlock()
}

func (c *Checker) check(ctx context.Context) *UpdateInfo {
	info := &UpdateInfo{
		CurrentVersion: c.currentRaw,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		CheckedAt:      time.Now(),
		IsDev:          c.current.IsDev(),
	}

	releases, err := c.fetchReleases(ctx)
	if err == nil {
		var release *GitHubRelease
		release, err = latestRelease(releases, c.current.Prerelease != "")
		if err == nil {
			c.describe(info, release)
		}
	}
	if err != nil {
		info.Error = err.Error()
		logging.Warn(logging.CatSystem, "Update check failed", map[string]any{
			"error": info.Error,
		})
		return info
	}

	if info.Available {
		logging.Info(logging.CatSystem, "Update available", map[string]any{
			"current": c.currentRaw,
			"latest":  info.LatestVersion,
		})
	}
	return info
}

func (c *Checker) fetchReleases(ctx context.Context) ([]GitHubRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.releasesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release info: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		return nil, errRateLimited
	case http.StatusNotFound:
		return nil, errNoReleases
	default:
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var releases []GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("failed to parse release info: %w", err)
	}
	return releases, nil
}

// latestRelease picks the highest agent release. Drafts are ignored, and
// prereleases only count when the running build is a prerelease itself.
func latestRelease(releases []GitHubRelease, includePrerelease bool) (*GitHubRelease, error) {
	var best *GitHubRelease
	var bestVer Version
	for i := range releases {
		r := &releases[i]
		if r.Draft || (r.Prerelease && !includePrerelease) || !releaseTagPattern.MatchString(r.TagName) {
			continue
		}
		v := ParseVersion(r.TagName)
		if best == nil || bestVer.IsOlderThan(v) {
			best, bestVer = r, v
		}
	}
	if best == nil {
		return nil, errNoAgentReleases
	}
	return best, nil
}

func (c *Checker) describe(info *UpdateInfo, release *GitHubRelease) {
	published := release.PublishedAt

	info.LatestVersion = release.TagName
	info.ReleaseURL = release.HTMLURL
	info.ReleaseNotes = truncateReleaseNotes(release.Body, MaxReleaseNotesLength)
	info.PublishedAt = &published
	info.DownloadURL = findDownloadURL(release.Assets)

	// Dev builds never claim to be behind.
	info.Available = !c.current.IsDev() && c.current.IsOlderThan(ParseVersion(release.TagName))
}

// Names used for each GOOS and GOARCH in release asset file names.
var (
	osAliases = map[string][]string{
		"darwin":  {"darwin", "macos", "mac"},
		"windows": {"windows", "win"},
		"linux":   {"linux"},
	}
	archAliases = map[string][]string{
		"amd64": {"amd64", "x86_64", "x64"},
		"arm64": {"arm64", "aarch64"},
		"386":   {"386", "i386", "x86"},
	}
	// Preferred package formats, best first.
	extensionOrder = map[string][]string{
		"darwin":  {".dmg", ".pkg", ".tar.gz", ".zip"},
		"windows": {".exe", ".msi", ".zip"},
		"linux":   {".deb", ".rpm", ".tar.gz", ".zip"},
	}
)

func findDownloadURL(assets []GitHubAsset) string {
	return findAsset(assets, runtime.GOOS, runtime.GOARCH)
}

// findAsset returns the download URL of the asset built for goos/goarch in
// the most preferred format, or "" when none fits.
func findAsset(assets []GitHubAsset, goos, goarch string) string {
	bestURL, bestScore := "", -1
	for _, asset := range assets {
		score, ok := assetScore(strings.ToLower(asset.Name), goos, goarch)
		if ok && (bestScore < 0 || score < bestScore) {
			bestURL, bestScore = asset.BrowserDownloadURL, score
		}
	}
	return bestURL
}

// assetScore ranks an asset name for goos/goarch. Lower is better.
func assetScore(name, goos, goarch string) (int, bool) {
	if !containsAny(name, aliasesFor(osAliases, goos)) {
		return 0, false
	}
	// "win" is a substring of "darwin".
	for other := range osAliases {
		if other != goos && strings.Contains(name, other) {
			return 0, false
		}
	}
	archMatch := containsAny(name, aliasesFor(archAliases, goarch))
	if !archMatch && goos == "darwin" && strings.Contains(name, "universal") {
		archMatch = true
	}
	if !archMatch {
		return 0, false
	}

	exts, ok := extensionOrder[goos]
	if !ok {
		exts = []string{".tar.gz", ".zip"}
	}
	for i, ext := range exts {
		if strings.HasSuffix(name, ext) {
			return i, true
		}
	}
	return len(exts), true
}

func aliasesFor(table map[string][]string, key string) []string {
	if names, ok := table[key]; ok {
		return names
	}
	return []string{key}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// truncateReleaseNotes trims notes to at most maxLen bytes without splitting
// a UTF-8 sequence.
func truncateReleaseNotes(notes string, maxLen int) string {
	notes = strings.TrimSpace(notes)
	if len(notes) <= maxLen {
		return notes
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(notes[cut]) {
		cut--
	}
	return notes[:cut] + "..."
}
