package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/nulzo/sermon-proxy/internal/cli"
)

var AppVersion = "v0.0.0"

const DefaultReleaseURL = "https://api.github.com/repos/nulzo/sermon-proxy/releases/latest"

type GitHubRelease struct {
	TagName string `json:"tag_name"`
}

// UpdateInfo compares the running build against the latest release.
type UpdateInfo struct {
	Current  string
	Latest   string
	Outdated bool
}

// CheckForUpdates asks url for the latest release tag and compares it with current.
func CheckForUpdates(ctx context.Context, url, current string) (*UpdateInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch latest release: status %d", resp.StatusCode)
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}

	currentV, err := version.NewVersion(current)
	if err != nil {
		return nil, fmt.Errorf("parse current version %q: %w", current, err)
	}
	latestV, err := version.NewVersion(release.TagName)
	if err != nil {
		return nil, fmt.Errorf("parse release tag %q: %w", release.TagName, err)
	}

	return &UpdateInfo{
		Current:  current,
		Latest:   release.TagName,
		Outdated: currentV.LessThan(latestV),
	}, nil
}

// PrintUpdateNotice writes a warning box when info is outdated.
func PrintUpdateNotice(w io.Writer, info *UpdateInfo) {
	if info == nil || !info.Outdated {
		return
	}
	_, _ = fmt.Fprintln(w, "---------------------------------------------------------")
	_, _ = fmt.Fprintf(w, "%s You are running an outdated version (%s).\n", cli.WarningSign(), info.Current)
	_, _ = fmt.Fprintf(w, "   The latest version is %s.\n", info.Latest)
	_, _ = fmt.Fprintln(w, "   Download it from the releases page.")
	_, _ = fmt.Fprintln(w, "---------------------------------------------------------")
}
