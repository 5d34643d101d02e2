/*
Copyright 2016 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package forge is a thin, retrying REST/GraphQL client for the hosted Git
// forge this bot operates against, plus the typed errors the Controller
// switches on when a merge fails.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	githubv4 "github.com/shurcooL/githubv4"
	"golang.org/x/time/rate"
)

// Logger is satisfied by *logrus.Entry.
type Logger interface {
	Printf(s string, v ...interface{})
}

// Client is a hand-rolled REST+GraphQL client for the forge. It retries
// transport failures with exponential backoff and supports dry-run and fake
// modes for operating in shadow mode or in tests, mirroring github.Client.
type Client struct {
	// Logger, if non-nil, logs every method call.
	Logger Logger

	httpClient *http.Client
	gqlClient  *githubv4.Client
	limiter    *rate.Limiter

	token string
	base  string
	dry   bool
	fake  bool
}

const (
	maxRetries = 8
	retryDelay = 2 * time.Second
)

type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "application/vnd.forge.v3+json")
	return t.base.RoundTrip(req)
}

func newHTTPClient(token string) *http.Client {
	return &http.Client{Transport: &tokenTransport{token: token, base: http.DefaultTransport}}
}

// NewClient creates a fully operational forge client talking to the API at
// base, e.g. "https://api.github.com".
func NewClient(token, base string) *Client {
	hc := newHTTPClient(token)
	return &Client{
		httpClient: hc,
		gqlClient:  githubv4.NewClient(hc),
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		token:      token,
		base:       strings.TrimSuffix(base, "/"),
	}
}

// NewDryRunClient creates a client that performs every read but no mutating
// call (no merge, comment, ref update, or commit creation).
func NewDryRunClient(token, base string) *Client {
	c := NewClient(token, base)
	c.dry = true
	return c
}

// NewFakeClient creates a client that performs no network calls at all, for
// tests that only need a value satisfying the Client interface.
func NewFakeClient() *Client {
	return &Client{fake: true, dry: true}
}

func (c *Client) log(methodName string, args ...interface{}) {
	if c.Logger == nil {
		return
	}
	var as []string
	for _, arg := range args {
		as = append(as, fmt.Sprintf("%v", arg))
	}
	c.Logger.Printf("%s(%s)", methodName, strings.Join(as, ", "))
}

// request retries on transport failures. It does not retry on 5xx responses;
// those are surfaced to the caller to classify.
func (c *Client) request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var resp *http.Response
	var err error
	backoff := retryDelay
	for retries := 0; retries < maxRetries; retries++ {
		resp, err = c.doRequest(ctx, method, path, body)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return resp, err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewBuffer(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, buf)
	if err != nil {
		return nil, err
	}
	req.Close = true
	return c.httpClient.Do(req)
}

// GetPullRequest fetches a pull request.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	c.log("GetPullRequest", owner, repo, number)
	if c.fake {
		return &PullRequest{}, nil
	}
	resp, err := c.request(ctx, http.MethodGet, fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.base, owner, repo, number), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("response not 200: %s", resp.Status)
	}
	var pr PullRequest
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListReviews returns every review submitted on a pull request.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	c.log("ListReviews", owner, repo, number)
	if c.fake {
		return nil, nil
	}
	nextURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/reviews?per_page=100", c.base, owner, repo, number)
	var reviews []Review
	for nextURL != "" {
		resp, err := c.request(ctx, http.MethodGet, nextURL, nil)
		if err != nil {
			return nil, err
		}
		b, err := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != 200 {
			return nil, fmt.Errorf("response not 200: %s", resp.Status)
		}
		var page []Review
		if err := json.Unmarshal(b, &page); err != nil {
			return nil, err
		}
		reviews = append(reviews, page...)
		nextURL = parseLinks(resp.Header.Get("Link"))["next"]
	}
	return reviews, nil
}

// GetCombinedStatus returns the combined status for a ref.
func (c *Client) GetCombinedStatus(ctx context.Context, owner, repo, ref string) (*CombinedStatus, error) {
	c.log("GetCombinedStatus", owner, repo, ref)
	if c.fake {
		return &CombinedStatus{State: "success"}, nil
	}
	resp, err := c.request(ctx, http.MethodGet, fmt.Sprintf("%s/repos/%s/%s/commits/%s/status", c.base, owner, repo, ref), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("response not 200: %s", resp.Status)
	}
	var cs CombinedStatus
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// CreateStatus creates or updates the status of a commit.
func (c *Client) CreateStatus(ctx context.Context, owner, repo, ref string, s Status) error {
	c.log("CreateStatus", owner, repo, ref, s)
	if c.dry {
		return nil
	}
	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("%s/repos/%s/%s/statuses/%s", c.base, owner, repo, ref), s)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		return fmt.Errorf("response not 201: %s", resp.Status)
	}
	return nil
}

// GetRef returns the SHA of the given ref, e.g. "heads/main".
func (c *Client) GetRef(ctx context.Context, owner, repo, ref string) (string, error) {
	c.log("GetRef", owner, repo, ref)
	if c.fake {
		return "", nil
	}
	resp, err := c.request(ctx, http.MethodGet, fmt.Sprintf("%s/repos/%s/%s/git/refs/%s", c.base, owner, repo, ref), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("response not 200: %s", resp.Status)
	}
	var res struct {
		Object map[string]string `json:"object"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	return res.Object["sha"], nil
}

// UpdateRef moves ref to sha, fast-forward only unless force is set.
// Returns FastForwardRejectedError if the forge rejects a non-force update
// because it is not a fast-forward.
func (c *Client) UpdateRef(ctx context.Context, owner, repo, ref, sha string, force bool) error {
	c.log("UpdateRef", owner, repo, ref, sha, force)
	if c.dry {
		return nil
	}
	resp, err := c.request(ctx, http.MethodPatch, fmt.Sprintf("%s/repos/%s/%s/git/refs/%s", c.base, owner, repo, ref), RefUpdate{SHA: sha, Force: force})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := ioutil.ReadAll(resp.Body)
	switch resp.StatusCode {
	case 200:
		return nil
	case 422:
		return NewFastForwardRejectedError(fmt.Errorf("update not a fast-forward: %s", string(b)))
	default:
		return fmt.Errorf("response not 200: %s: %s", resp.Status, string(b))
	}
}

// CreateRef creates a new ref pointing at sha.
func (c *Client) CreateRef(ctx context.Context, owner, repo, ref, sha string) error {
	c.log("CreateRef", owner, repo, ref, sha)
	if c.dry {
		return nil
	}
	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("%s/repos/%s/%s/git/refs", c.base, owner, repo), map[string]string{
		"ref": "refs/" + ref,
		"sha": sha,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		return fmt.Errorf("response not 201: %s", resp.Status)
	}
	return nil
}

// DeleteRef deletes ref.
func (c *Client) DeleteRef(ctx context.Context, owner, repo, ref string) error {
	c.log("DeleteRef", owner, repo, ref)
	if c.dry {
		return nil
	}
	resp, err := c.request(ctx, http.MethodDelete, fmt.Sprintf("%s/repos/%s/%s/git/refs/%s", c.base, owner, repo, ref), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 204 {
		return fmt.Errorf("response not 204: %s", resp.Status)
	}
	return nil
}

// Merge merges a pull request. Returns one of the typed errors in errors.go
// when the forge refuses for a reason the Controller needs to classify.
func (c *Client) Merge(ctx context.Context, owner, repo string, number int, details MergeDetails) error {
	c.log("Merge", owner, repo, number, details)
	if c.dry {
		return nil
	}
	resp, err := c.request(ctx, http.MethodPut, fmt.Sprintf("%s/repos/%s/%s/pulls/%d/merge", c.base, owner, repo, number), details)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := ioutil.ReadAll(resp.Body)
	switch resp.StatusCode {
	case 200:
		return nil
	case 405:
		return NewUnmergablePRError(fmt.Errorf("not mergeable: %s", string(b)))
	case 409:
		return NewModifiedHeadError(fmt.Errorf("head was modified: %s", string(b)))
	case 403:
		return NewUnauthorizedToPushError(fmt.Errorf("not authorized to push: %s", string(b)))
	case 422:
		return NewUnmergablePRBaseChangedError(fmt.Errorf("base branch changed: %s", string(b)))
	default:
		return fmt.Errorf("response not 200: %s: %s", resp.Status, string(b))
	}
}

// CreateCommit creates a git commit object directly from a tree and parents,
// without a working tree merge.
func (c *Client) CreateCommit(ctx context.Context, owner, repo string, req CreateCommitRequest) (*Commit, error) {
	c.log("CreateCommit", owner, repo, req)
	if c.dry {
		return &Commit{SHA: "dry-run-commit"}, nil
	}
	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("%s/repos/%s/%s/git/commits", c.base, owner, repo), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		return nil, fmt.Errorf("response not 201: %s", resp.Status)
	}
	var commit Commit
	if err := json.NewDecoder(resp.Body).Decode(&commit); err != nil {
		return nil, err
	}
	return &commit, nil
}

// CompareCommits lists the commits reachable from head but not base, used
// to enumerate a PR's commits for cherry-pick construction.
func (c *Client) CompareCommits(ctx context.Context, owner, repo, base, head string) (*CompareResult, error) {
	c.log("CompareCommits", owner, repo, base, head)
	if c.fake {
		return &CompareResult{}, nil
	}
	resp, err := c.request(ctx, http.MethodGet, fmt.Sprintf("%s/repos/%s/%s/compare/%s...%s", c.base, owner, repo, base, head), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("response not 200: %s", resp.Status)
	}
	var cmp CompareResult
	if err := json.NewDecoder(resp.Body).Decode(&cmp); err != nil {
		return nil, err
	}
	return &cmp, nil
}

// CreateComment posts a comment on a pull request's conversation.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, comment string) error {
	c.log("CreateComment", owner, repo, number, comment)
	if c.dry {
		return nil
	}
	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", c.base, owner, repo, number), IssueComment{Body: comment})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		return fmt.Errorf("response not 201: %s", resp.Status)
	}
	return nil
}

// searchQuery mirrors the subset of the forge's GraphQL search schema this
// bot needs: issue/PR nodes plus rate limit bookkeeping.
type searchQuery struct {
	RateLimit struct {
		Cost      githubv4.Int
		Remaining githubv4.Int
	}
	Search struct {
		Nodes []struct {
			PullRequest PullRequest `graphql:"... on PullRequest"`
		}
		PageInfo struct {
			HasNextPage githubv4.Boolean
			EndCursor   githubv4.String
		}
	} `graphql:"search(type: ISSUE, query: $query, first: 100, after: $searchCursor)"`
}

// Search runs a GraphQL search query and returns every matching pull
// request, paging through results the way tide's own search() does.
func (c *Client) Search(ctx context.Context, query string) ([]PullRequest, error) {
	c.log("Search", query)
	if c.fake {
		return nil, nil
	}
	var ret []PullRequest
	vars := map[string]interface{}{
		"query":        githubv4.String(query),
		"searchCursor": (*githubv4.String)(nil),
	}
	for {
		var sq searchQuery
		if err := c.gqlClient.Query(ctx, &sq, vars); err != nil {
			return nil, err
		}
		for _, n := range sq.Search.Nodes {
			ret = append(ret, n.PullRequest)
		}
		if !bool(sq.Search.PageInfo.HasNextPage) {
			break
		}
		vars["searchCursor"] = githubv4.NewString(sq.Search.PageInfo.EndCursor)
	}
	return ret, nil
}
