// Package github posts commit statuses so branch pages reflect run
// outcomes. Tasks report pending when they start and success/failure when
// the run settles.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CommitState is a GitHub commit status value.
type CommitState string

const (
	StatePending CommitState = "pending"
	StateSuccess CommitState = "success"
	StateFailure CommitState = "failure"
	StateError   CommitState = "error"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// SetCommitStatus posts one status for repo@sha. repo is "owner/name";
// statusContext labels the status line; targetURL links back to the run.
func SetCommitStatus(ctx context.Context, state CommitState, repo, sha, statusContext, targetURL, token string) error {
	payload, err := json.Marshal(map[string]string{
		"state":       string(state),
		"target_url":  targetURL,
		"description": string(state),
		"context":     statusContext,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://api.github.com/repos/%s/statuses/%s", repo, sha)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("github status API returned %d for %s", resp.StatusCode, url)
	}
	return nil
}
