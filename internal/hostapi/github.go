package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultBaseURL is the GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com"

// cacheTTL bounds how long GET responses are reused. Check-run and PR
// lookups during merge evaluation hit the same endpoints repeatedly.
const cacheTTL = 30 * time.Second

// GitHubConfig configures the REST client.
type GitHubConfig struct {
	// Owner and Repo identify the repository.
	Owner string
	Repo  string

	// BaseURL overrides the API endpoint (tests point it at httptest).
	BaseURL string

	// Token overrides the environment token lookup.
	Token string

	// HTTPClient overrides the default 30s-timeout client.
	HTTPClient *http.Client
}

// GitHub is the REST implementation of Client.
type GitHub struct {
	owner   string
	repo    string
	baseURL string
	token   string
	client  *http.Client
	cache   *gocache.Cache
}

// NewGitHub creates a GitHub host client. The token is resolved lazily
// per request so a missing GITHUB_TOKEN surfaces at the operation that
// needs it, not at startup.
func NewGitHub(cfg GitHubConfig) *GitHub {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GitHub{
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		baseURL: baseURL,
		token:   cfg.Token,
		client:  client,
		cache:   gocache.New(cacheTTL, 2*cacheTTL),
	}
}

// resolveToken returns the configured or environment token.
func (g *GitHub) resolveToken() (string, error) {
	if g.token != "" {
		return g.token, nil
	}
	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		return tok, nil
	}
	return "", ErrTokenMissing
}

// doRequest performs one authenticated API call. GET responses are
// served from (and stored into) the read cache; any mutation flushes it
// so subsequent reads see the host's new state.
func (g *GitHub) doRequest(ctx context.Context, method, url string, body any, out any) error {
	token, err := g.resolveToken()
	if err != nil {
		return err
	}

	if method == http.MethodGet {
		if cached, ok := g.cache.Get(url); ok {
			if out != nil {
				return json.Unmarshal(cached.([]byte), out)
			}
			return nil
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &HostError{Status: resp.StatusCode, Message: extractHostMessage(data)}
	}

	if method == http.MethodGet {
		g.cache.Set(url, data, cacheTTL)
	} else {
		g.cache.Flush()
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// extractHostMessage pulls the host's message field out of an error
// body when one exists.
func extractHostMessage(data []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	return payload.Message
}

// prResponse is the wire shape of a pull request.
type prResponse struct {
	Number    int       `json:"number"`
	HTMLURL   string    `json:"html_url"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Merged    bool      `json:"merged"`
	Additions int       `json:"additions"`
	Deletions int       `json:"deletions"`
	CreatedAt time.Time `json:"created_at"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (r prResponse) toInfo() PRInfo {
	return PRInfo{
		Number:    r.Number,
		URL:       r.HTMLURL,
		Title:     r.Title,
		Branch:    r.Head.Ref,
		Base:      r.Base.Ref,
		State:     r.State,
		Merged:    r.Merged,
		Additions: r.Additions,
		Deletions: r.Deletions,
		CreatedAt: r.CreatedAt,
	}
}

// OpenPR creates a pull request.
func (g *GitHub) OpenPR(ctx context.Context, req OpenPRRequest) (PRInfo, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls", g.baseURL, g.owner, g.repo)

	payload := map[string]any{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.Head,
		"base":  req.Base,
		"draft": req.Draft,
	}

	var resp prResponse
	if err := g.doRequest(ctx, http.MethodPost, url, payload, &resp); err != nil {
		return PRInfo{}, fmt.Errorf("open PR for %s: %w", req.Head, err)
	}
	return resp.toInfo(), nil
}

// GetPRInfo fetches a pull request by number.
func (g *GitHub) GetPRInfo(ctx context.Context, number int) (PRInfo, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", g.baseURL, g.owner, g.repo, number)

	var resp prResponse
	if err := g.doRequest(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return PRInfo{}, fmt.Errorf("get PR #%d: %w", number, err)
	}
	return resp.toInfo(), nil
}

// MergePR merges a pull request with the given strategy.
func (g *GitHub) MergePR(ctx context.Context, number int, strategy MergeStrategy) (MergeResult, error) {
	if !strategy.Valid() {
		return MergeResult{}, fmt.Errorf("unknown merge strategy %q", strategy)
	}
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/merge", g.baseURL, g.owner, g.repo, number)

	payload := map[string]any{"merge_method": string(strategy)}

	var resp struct {
		Merged  bool   `json:"merged"`
		SHA     string `json:"sha"`
		Message string `json:"message"`
	}
	if err := g.doRequest(ctx, http.MethodPut, url, payload, &resp); err != nil {
		return MergeResult{}, fmt.Errorf("merge PR #%d: %w", number, err)
	}
	return MergeResult{Merged: resp.Merged, SHA: resp.SHA, Message: resp.Message}, nil
}

// ListChecks fetches every check run for a git ref, following
// pagination.
func (g *GitHub) ListChecks(ctx context.Context, ref string) ([]CheckRun, error) {
	var all []CheckRun
	page := 1
	perPage := 100

	for {
		url := fmt.Sprintf("%s/repos/%s/%s/commits/%s/check-runs?per_page=%d&page=%d",
			g.baseURL, g.owner, g.repo, ref, perPage, page)

		var resp struct {
			TotalCount int        `json:"total_count"`
			CheckRuns  []CheckRun `json:"check_runs"`
		}
		if err := g.doRequest(ctx, http.MethodGet, url, nil, &resp); err != nil {
			return nil, fmt.Errorf("list checks for %s: %w", ref, err)
		}

		all = append(all, resp.CheckRuns...)

		if len(all) >= resp.TotalCount || len(resp.CheckRuns) < perPage {
			break
		}
		page++
	}

	return all, nil
}

// ListReviews fetches the submitted reviews on a pull request.
func (g *GitHub) ListReviews(ctx context.Context, number int) ([]Review, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/reviews", g.baseURL, g.owner, g.repo, number)

	var resp []struct {
		ID   int64  `json:"id"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		State       string    `json:"state"`
		SubmittedAt time.Time `json:"submitted_at"`
	}
	if err := g.doRequest(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, fmt.Errorf("list reviews for PR #%d: %w", number, err)
	}

	reviews := make([]Review, 0, len(resp))
	for _, r := range resp {
		reviews = append(reviews, Review{
			ID:          r.ID,
			Author:      r.User.Login,
			State:       r.State,
			SubmittedAt: r.SubmittedAt,
		})
	}
	return reviews, nil
}

// PostReview submits a review on a pull request.
func (g *GitHub) PostReview(ctx context.Context, number int, review ReviewRequest) error {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/reviews", g.baseURL, g.owner, g.repo, number)

	payload := map[string]any{"body": review.Body, "event": review.Event}
	if err := g.doRequest(ctx, http.MethodPost, url, payload, nil); err != nil {
		return fmt.Errorf("post review on PR #%d: %w", number, err)
	}
	return nil
}

// PostComment posts an issue comment on a pull request or issue.
func (g *GitHub) PostComment(ctx context.Context, number int, body string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", g.baseURL, g.owner, g.repo, number)

	payload := map[string]any{"body": body}
	if err := g.doRequest(ctx, http.MethodPost, url, payload, nil); err != nil {
		return fmt.Errorf("post comment on #%d: %w", number, err)
	}
	return nil
}
