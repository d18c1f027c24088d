// Package update checks GitHub releases for a newer memoscribe build.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Channel selects which releases count as candidates.
type Channel string

const (
	ChannelStable     Channel = "stable"     // non-prerelease only
	ChannelPrerelease Channel = "prerelease" // stable plus beta and rc
)

// DefaultAPIURL is the GitHub API root.
const DefaultAPIURL = "https://api.github.com"

// ErrNoRelease is returned when no release matches the channel.
var ErrNoRelease = errors.New("update: no matching release")

// Release is the subset of a GitHub release we read.
type Release struct {
	TagName    string    `json:"tag_name"`
	Name       string    `json:"name"`
	HTMLURL    string    `json:"html_url"`
	Published  time.Time `json:"published_at"`
	Prerelease bool      `json:"prerelease"`
	Draft      bool      `json:"draft"`
}

// Checker queries one repository's releases.
type Checker struct {
	owner   string
	repo    string
	current string
	channel Channel
	apiURL  string
	client  *http.Client
}

// NewChecker returns a stable-channel checker for owner/repo.
func NewChecker(owner, repo, current string) *Checker {
	return &Checker{
		owner:   owner,
		repo:    repo,
		current: current,
		channel: ChannelStable,
		apiURL:  DefaultAPIURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// SetChannel switches the release channel.
func (c *Checker) SetChannel(ch Channel) { c.channel = ch }

// SetAPIURL points the checker at another API root.
func (c *Checker) SetAPIURL(u string) { c.apiURL = strings.TrimRight(u, "/") }

// Latest fetches the newest release in the channel.
func (c *Checker) Latest(ctx context.Context) (*Release, error) {
	if c.channel == ChannelStable {
		var rel Release
		if err := c.get(ctx, "/releases/latest", &rel); err != nil {
			return nil, err
		}
		if rel.Draft || rel.Prerelease {
			return nil, ErrNoRelease
		}
		return &rel, nil
	}

	var releases []Release
	if err := c.get(ctx, "/releases?per_page=30", &releases); err != nil {
		return nil, err
	}
	for i := range releases {
		if c.matches(&releases[i]) {
			return &releases[i], nil
		}
	}
	return nil, fmt.Errorf("%w in channel %s", ErrNoRelease, c.channel)
}

// Check reports whether the latest release is newer than the running build.
// A dev build is always considered outdated.
func (c *Checker) Check(ctx context.Context) (bool, *Release, error) {
	rel, err := c.Latest(ctx)
	if err != nil {
		return false, nil, err
	}
	current := normalizeVersion(c.current)
	if current == "dev" || current == "" {
		return true, rel, nil
	}
	return isNewer(strings.TrimPrefix(rel.TagName, "v"), current), rel, nil
}

func (c *Checker) matches(r *Release) bool {
	if r.Draft {
		return false
	}
	switch c.channel {
	case ChannelStable:
		return !r.Prerelease
	case ChannelPrerelease:
		return true
	default:
		return false
	}
}

func (c *Checker) get(ctx context.Context, path string, out any) error {
	url := fmt.Sprintf("%s/repos/%s/%s%s", c.apiURL, c.owner, c.repo, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("update: fetch releases: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNoRelease
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("update: github API returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("update: parse releases: %w", err)
	}
	return nil
}

// git describe suffixes: -dirty and -N-gHASH.
var describeSuffix = regexp.MustCompile(`(-\d+-g[0-9a-f]+)?(-dirty)?$`)

func normalizeVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	return describeSuffix.ReplaceAllString(v, "")
}

// isNewer reports whether a > b comparing dotted numeric parts. A
// pre-release suffix on a part is ignored.
func isNewer(a, b string) bool {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		var va, vb int
		fmt.Sscanf(pa[i], "%d", &va)
		fmt.Sscanf(pb[i], "%d", &vb)
		if va != vb {
			return va > vb
		}
	}
	return len(pa) > len(pb)
}
