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

package router

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/clarketm/mergequeue/config"
)

type call struct {
	method               string
	owner, repo          string
	number               int
	attemptID, commitSHA string
}

type fakeController struct {
	mu    sync.Mutex
	calls []call

	commitToNumber map[string]int
}

func (f *fakeController) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeController) Request(ctx context.Context, owner, repo string, number int) (string, error) {
	f.record(call{method: "Request", owner: owner, repo: repo, number: number})
	return "queued", nil
}

func (f *fakeController) Initiate(ctx context.Context, owner, repo string, number int) error {
	f.record(call{method: "Initiate", owner: owner, repo: repo, number: number})
	return nil
}

func (f *fakeController) Test(ctx context.Context, owner, repo, attemptID string) error {
	f.record(call{method: "Test", owner: owner, repo: repo, attemptID: attemptID})
	return nil
}

func (f *fakeController) Cancel(ctx context.Context, owner, repo string, number int) error {
	f.record(call{method: "Cancel", owner: owner, repo: repo, number: number})
	return nil
}

func (f *fakeController) PullRequestForCommit(ctx context.Context, owner, repo, sha string) (int, bool, error) {
	n, ok := f.commitToNumber[sha]
	return n, ok, nil
}

func newTestServer(t *testing.T, fc *fakeController) *Server {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/config.yaml"
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	var ca config.Agent
	if err := ca.Start(path); err != nil {
		t.Fatalf("starting config agent: %v", err)
	}
	return &Server{
		Controller:  fc,
		ConfigAgent: &ca,
		HMACSecret:  []byte("sekrit"),
	}
}

func sign(t *testing.T, body []byte, secret []byte) string {
	t.Helper()
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func post(t *testing.T, s *Server, eventType string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Forge-Event", eventType)
	req.Header.Set("X-Forge-Delivery", "test-delivery")
	req.Header.Set("X-Forge-Signature", sign(t, body, s.HMACSecret))
	req.Header.Set("content-type", "application/json")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func waitForCalls(t *testing.T, fc *fakeController, n int) []call {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		fc.mu.Lock()
		got := len(fc.calls)
		fc.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d calls, got %d", n, got)
		case <-time.After(time.Millisecond):
		}
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]call(nil), fc.calls...)
}

func TestServeHTTPRejectsMissingHeaders(t *testing.T) {
	s := newTestServer(t, &fakeController{})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("content-type", "application/json")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing event header, got %d", rr.Code)
	}
}

func TestServeHTTPRejectsBadSignature(t *testing.T) {
	s := newTestServer(t, &fakeController{})
	body := []byte(`{"action":"opened"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Forge-Event", "pull_request")
	req.Header.Set("X-Forge-Delivery", "d1")
	req.Header.Set("X-Forge-Signature", "sha256=deadbeef")
	req.Header.Set("content-type", "application/json")
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for bad signature, got %d", rr.Code)
	}
}

func TestIssueCommentMergeCommandCallsRequest(t *testing.T) {
	fc := &fakeController{}
	s := newTestServer(t, fc)
	payload := map[string]interface{}{
		"action":  "created",
		"issue":   map[string]interface{}{"number": 7, "pull_request": map[string]interface{}{}},
		"comment": map[string]interface{}{"body": "/merge"},
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]interface{}{"login": "acme"},
		},
	}
	post(t, s, "issue_comment", payload)

	calls := waitForCalls(t, fc, 1)
	if calls[0].method != "Request" || calls[0].owner != "acme" || calls[0].repo != "widgets" || calls[0].number != 7 {
		t.Errorf("unexpected call: %+v", calls[0])
	}
}

func TestIssueCommentIgnoresNonPullRequestIssue(t *testing.T) {
	fc := &fakeController{}
	s := newTestServer(t, fc)
	payload := map[string]interface{}{
		"action":  "created",
		"issue":   map[string]interface{}{"number": 7},
		"comment": map[string]interface{}{"body": "/merge"},
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]interface{}{"login": "acme"},
		},
	}
	post(t, s, "issue_comment", payload)
	time.Sleep(20 * time.Millisecond)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.calls) != 0 {
		t.Errorf("expected no controller calls for a plain issue comment, got %+v", fc.calls)
	}
}

func TestStatusOnStagingBranchCallsTest(t *testing.T) {
	fc := &fakeController{}
	s := newTestServer(t, fc)
	payload := map[string]interface{}{
		"sha":      "deadbeef",
		"state":    "success",
		"context":  "ci/build",
		"branches": []map[string]interface{}{{"name": "staging-123"}},
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]interface{}{"login": "acme"},
		},
	}
	post(t, s, "status", payload)

	calls := waitForCalls(t, fc, 1)
	if calls[0].method != "Test" || calls[0].attemptID != "123" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
}

func TestStatusOnPRHeadCallsInitiate(t *testing.T) {
	fc := &fakeController{commitToNumber: map[string]int{"abc123": 42}}
	s := newTestServer(t, fc)
	payload := map[string]interface{}{
		"sha":     "abc123",
		"state":   "success",
		"context": "ci/build",
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]interface{}{"login": "acme"},
		},
	}
	post(t, s, "status", payload)

	calls := waitForCalls(t, fc, 1)
	if calls[0].method != "Initiate" || calls[0].number != 42 {
		t.Errorf("unexpected call: %+v", calls[0])
	}
}

func TestPullRequestSynchronizeCallsCancel(t *testing.T) {
	fc := &fakeController{}
	s := newTestServer(t, fc)
	payload := map[string]interface{}{
		"action": "synchronize",
		"number": 9,
		"repository": map[string]interface{}{
			"name":  "widgets",
			"owner": map[string]interface{}{"login": "acme"},
		},
	}
	post(t, s, "pull_request", payload)

	calls := waitForCalls(t, fc, 1)
	if calls[0].method != "Cancel" || calls[0].number != 9 {
		t.Errorf("unexpected call: %+v", calls[0])
	}
}
