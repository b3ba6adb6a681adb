// Package vcs commits files to a project's bound repository.
package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CommitRequest describes one file write.
type CommitRequest struct {
	Owner   string
	Repo    string
	Path    string
	Content string
	Message string
	Branch  string
}

// Committer writes a file and returns the resulting commit sha.
type Committer interface {
	Commit(ctx context.Context, req CommitRequest) (string, error)
}

// ErrNoToken is returned when GitHub is called without credentials.
var ErrNoToken = errors.New("github token not configured")

// GitHub commits through the repository contents API.
type GitHub struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewGitHub(baseURL, token string) *GitHub {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHub{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

type contentsRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch,omitempty"`
	SHA     string `json:"sha,omitempty"`
}

type contentsResponse struct {
	SHA    string `json:"sha"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

func (g *GitHub) Commit(ctx context.Context, req CommitRequest) (string, error) {
	if g.Token == "" {
		return "", ErrNoToken
	}
	if req.Owner == "" || req.Repo == "" || req.Path == "" {
		return "", fmt.Errorf("owner, repo and path are required")
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.BaseURL, url.PathEscape(req.Owner), url.PathEscape(req.Repo), escapePath(req.Path))

	existing, err := g.currentSHA(ctx, endpoint, req.Branch)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(contentsRequest{
		Message: req.Message,
		Content: base64.StdEncoding.EncodeToString([]byte(req.Content)),
		Branch:  req.Branch,
		SHA:     existing,
	})
	if err != nil {
		return "", err
	}
	var out contentsResponse
	if err := g.do(ctx, http.MethodPut, endpoint, body, &out); err != nil {
		return "", err
	}
	return out.Commit.SHA, nil
}

func (g *GitHub) currentSHA(ctx context.Context, endpoint, branch string) (string, error) {
	if branch != "" {
		endpoint += "?ref=" + url.QueryEscape(branch)
	}
	var out contentsResponse
	err := g.do(ctx, http.MethodGet, endpoint, nil, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return "", nil
	}
	return out.SHA, err
}

// StatusError is a non-2xx answer from GitHub.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("github: status %d: %s", e.Code, e.Body)
}

func (g *GitHub) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.Token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := g.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// Recorder is a Committer that records requests, for tests and dry runs.
type Recorder struct {
	Requests []CommitRequest
	Err      error
}

func (r *Recorder) Commit(_ context.Context, req CommitRequest) (string, error) {
	r.Requests = append(r.Requests, req)
	if r.Err != nil {
		return "", r.Err
	}
	return fmt.Sprintf("commit-%d", len(r.Requests)), nil
}
