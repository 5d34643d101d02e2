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

// Package router normalizes inbound forge webhooks into calls on the
// queue controller's entry points, the merge-queue-bot analogue of
// hook.Server's ServeHTTP/demuxEvent pair.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/config"
	"github.com/clarketm/mergequeue/forge"
)

// Controller is the slice of queuecontroller.Controller the router drives,
// naming only the entry points §4.3 defines, the way tide.go's own
// githubClient interface names only the methods its sync loop calls.
type Controller interface {
	Request(ctx context.Context, owner, repo string, number int) (string, error)
	Initiate(ctx context.Context, owner, repo string, number int) error
	Test(ctx context.Context, owner, repo, attemptID string) error
	Cancel(ctx context.Context, owner, repo string, number int) error
	PullRequestForCommit(ctx context.Context, owner, repo, sha string) (int, bool, error)
}

var webhookCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "mergequeue_webhooks_total",
	Help: "Count of webhooks received by event type.",
}, []string{"event_type"})

func init() {
	prometheus.MustRegister(webhookCounter)
}

var defaultCommandPrefix = "/merge"
var defaultCancelPrefix = "/cancel"

// commandRe matches "/merge" or "/cancel" on a line of its own, the way
// plugins/trigger's okToTestRe/testAllRe/retestRe match their own bot
// commands.
func commandRe(cmd string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(cmd) + `\s*$`)
}

// Server implements http.Handler. It validates an incoming webhook exactly
// as hook.Server.ServeHTTP does (method, event/delivery headers, HMAC
// signature, content-type), then dispatches it to the Controller.
type Server struct {
	Controller  Controller
	ConfigAgent *config.Agent
	HMACSecret  []byte
}

// ServeHTTP validates an incoming webhook and dispatches it to the
// Controller.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method == http.MethodGet {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "405 Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	eventType := r.Header.Get("X-Forge-Event")
	if eventType == "" {
		http.Error(w, "400 Bad Request: Missing X-Forge-Event Header", http.StatusBadRequest)
		return
	}
	eventGUID := r.Header.Get("X-Forge-Delivery")
	if eventGUID == "" {
		http.Error(w, "400 Bad Request: Missing X-Forge-Delivery Header", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("X-Forge-Signature")
	if sig == "" {
		http.Error(w, "403 Forbidden: Missing X-Forge-Signature", http.StatusForbidden)
		return
	}
	contentType := r.Header.Get("content-type")
	if contentType != "application/json" {
		http.Error(w, "400 Bad Request: only accepts content-type: application/json", http.StatusBadRequest)
		return
	}

	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "500 Internal Server Error: Failed to read request body", http.StatusInternalServerError)
		return
	}
	if !forge.ValidatePayload(payload, sig, s.HMACSecret) {
		http.Error(w, "403 Forbidden: Invalid X-Forge-Signature", http.StatusForbidden)
		return
	}
	fmt.Fprint(w, "Event received.")

	l := logrus.WithFields(logrus.Fields{"event-type": eventType, "event-GUID": eventGUID})
	webhookCounter.WithLabelValues(eventType).Inc()
	if err := s.demux(r.Context(), l, eventType, payload); err != nil {
		l.WithError(err).Error("Error handling event.")
	}
}

func (s *Server) demux(ctx context.Context, l *logrus.Entry, eventType string, payload []byte) error {
	switch eventType {
	case "pull_request":
		var e forge.PullRequestEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		go s.handlePullRequest(ctx, l, e)
	case "issue_comment":
		var e forge.IssueCommentEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		go s.handleIssueComment(ctx, l, e)
	case "pull_request_review":
		var e forge.PullRequestReviewEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		go s.handleReview(ctx, l, e)
	case "status":
		var e forge.StatusEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		go s.handleStatus(ctx, l, e)
	case "check_suite":
		var e forge.CheckSuiteEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		go s.handleCheckSuite(ctx, l, e)
	case "check_run":
		var e forge.CheckRunEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		go s.handleCheckRun(ctx, l, e)
	case "push":
		var e forge.PushEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		go s.handlePush(ctx, l, e)
	}
	return nil
}

func (s *Server) repoConfig(owner, repo string) config.RepoConfig {
	return s.ConfigAgent.Config().RepoConfigFor(owner, repo)
}

// handlePullRequest cancels a queued PR on close or on a new head commit
// (synchronize): a push to the PR's own branch freezes-then-invalidates
// the head the bot was reasoning about (I5).
func (s *Server) handlePullRequest(ctx context.Context, l *logrus.Entry, e forge.PullRequestEvent) {
	owner, repo := e.Repo.Owner.Login, e.Repo.Name
	switch e.Action {
	case "closed", "synchronize":
		if err := s.Controller.Cancel(ctx, owner, repo, e.Number); err != nil {
			l.WithError(err).Warn("Cancel on pull_request event")
		}
	case "reopened":
		if err := s.Controller.Initiate(ctx, owner, repo, e.Number); err != nil {
			l.WithError(err).Warn("Initiate on pull_request reopened")
		}
	}
}

// handleIssueComment parses bot commands out of a comment body, the way
// plugins/trigger keys off comment bodies for its own commands.
func (s *Server) handleIssueComment(ctx context.Context, l *logrus.Entry, e forge.IssueCommentEvent) {
	if e.Action != "created" || !e.Issue.IsPullRequest() {
		return
	}
	owner, repo := e.Repo.Owner.Login, e.Repo.Name
	cfg := s.repoConfig(owner, repo)
	mergeCmd := cfg.CommandPrefix
	if mergeCmd == "" {
		mergeCmd = defaultCommandPrefix
	}

	body := e.Comment.Body
	if commandRe(mergeCmd).MatchString(body) {
		if _, err := s.Controller.Request(ctx, owner, repo, e.Issue.Number); err != nil {
			l.WithError(err).Warn("Request on issue_comment command")
		}
	}
	if commandRe(defaultCancelPrefix).MatchString(body) {
		if err := s.Controller.Cancel(ctx, owner, repo, e.Issue.Number); err != nil {
			l.WithError(err).Warn("Cancel on issue_comment command")
		}
	}
}

// handleReview re-evaluates readiness after a review is submitted or
// dismissed; a REQUESTED PR may now be ready to queue.
func (s *Server) handleReview(ctx context.Context, l *logrus.Entry, e forge.PullRequestReviewEvent) {
	owner, repo := e.Repo.Owner.Login, e.Repo.Name
	if err := s.Controller.Initiate(ctx, owner, repo, e.PullRequest.Number); err != nil {
		l.WithError(err).Warn("Initiate on pull_request_review event")
	}
}

// handleStatus disambiguates by SHA (§6): if one of the reported branches
// is a staging branch, the event is CI reporting on a batch under test; if
// no staging branch matches, a PR currently waiting on pre-status may have
// just turned green.
func (s *Server) handleStatus(ctx context.Context, l *logrus.Entry, e forge.StatusEvent) {
	owner, repo := e.Repo.Owner.Login, e.Repo.Name
	if attemptID, ok := stagingAttemptID(e.Branches); ok {
		if err := s.Controller.Test(ctx, owner, repo, attemptID); err != nil {
			l.WithError(err).Warn("Test on status event")
		}
		return
	}
	number, found, err := s.Controller.PullRequestForCommit(ctx, owner, repo, e.SHA)
	if err != nil {
		l.WithError(err).Warn("PullRequestForCommit on status event")
		return
	}
	if found {
		if err := s.Controller.Initiate(ctx, owner, repo, number); err != nil {
			l.WithError(err).Warn("Initiate on status event")
		}
	}
}

func (s *Server) handleCheckSuite(ctx context.Context, l *logrus.Entry, e forge.CheckSuiteEvent) {
	owner, repo := e.Repo.Owner.Login, e.Repo.Name
	if attemptID, ok := stagingBranchID(e.CheckSuite.HeadBranch); ok {
		if err := s.Controller.Test(ctx, owner, repo, attemptID); err != nil {
			l.WithError(err).Warn("Test on check_suite event")
		}
		return
	}
	for _, pr := range e.CheckSuite.PullRequests {
		if err := s.Controller.Initiate(ctx, owner, repo, pr.Number); err != nil {
			l.WithError(err).Warn("Initiate on check_suite event")
		}
	}
}

func (s *Server) handleCheckRun(ctx context.Context, l *logrus.Entry, e forge.CheckRunEvent) {
	owner, repo := e.Repo.Owner.Login, e.Repo.Name
	for _, pr := range e.CheckRun.PullRequests {
		if err := s.Controller.Initiate(ctx, owner, repo, pr.Number); err != nil {
			l.WithError(err).Warn("Initiate on check_run event")
		}
	}
}

// handlePush cancels a queued PR whose head branch was just pushed to,
// since the frozen commit_hash it was admitted with (I5) is now stale.
func (s *Server) handlePush(ctx context.Context, l *logrus.Entry, e forge.PushEvent) {
	owner, repo := e.Repo.Owner.Login, e.Repo.Name
	number, found, err := s.Controller.PullRequestForCommit(ctx, owner, repo, e.Before)
	if err != nil {
		l.WithError(err).Warn("PullRequestForCommit on push event")
		return
	}
	if found {
		if err := s.Controller.Cancel(ctx, owner, repo, number); err != nil {
			l.WithError(err).Warn("Cancel on push event")
		}
	}
}

func stagingAttemptID(branches []forge.Branch) (string, bool) {
	for _, b := range branches {
		if id, ok := stagingBranchID(b.Name); ok {
			return id, true
		}
	}
	return "", false
}

func stagingBranchID(branch string) (string, bool) {
	const prefix = "staging-"
	if !strings.HasPrefix(branch, prefix) {
		return "", false
	}
	return strings.TrimPrefix(branch, prefix), true
}
