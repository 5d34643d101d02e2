/*
Copyright 2017 The Kubernetes Authors.

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

// Package readiness decides whether a pull request is a candidate for the
// merge queue, generalizing tide.go's isPassingTests/unsuccessfulContexts/
// accumulate aggregation idiom to reviews and arbitrary required contexts
// instead of inferred presubmit jobs.
package readiness

import (
	"context"

	"github.com/clarketm/mergequeue/config"
	"github.com/clarketm/mergequeue/forge"
)

// Classification explains why a PR is or isn't ready.
type Classification string

const (
	ClassificationDraft            Classification = "draft"
	ClassificationBranchNotAllowed Classification = "branch-not-allowed"
	ClassificationAwaitingReview   Classification = "awaiting-review"
	ClassificationChangesRequested Classification = "changes-requested"
	ClassificationAwaitingStatus   Classification = "awaiting-status"
	ClassificationStatusFailed     Classification = "status-failed"
	ClassificationClosed           Classification = "closed"
	ClassificationReady            Classification = "ready"
)

// Result is the outcome of evaluating one PR.
type Result struct {
	Ready          bool
	Classification Classification
}

func notReady(c Classification) Result { return Result{Ready: false, Classification: c} }

// ForgeClient is the narrow slice of forge.Client readiness needs, the way
// tide.go's own githubClient interface names only the methods its sync
// loop actually calls.
type ForgeClient interface {
	ListReviews(ctx context.Context, owner, repo string, number int) ([]forge.Review, error)
	GetCombinedStatus(ctx context.Context, owner, repo, ref string) (*forge.CombinedStatus, error)
}

// Evaluate decides whether pr (at commit sha, in owner/repo) belongs in the
// merge queue.
func Evaluate(ctx context.Context, fc ForgeClient, owner, repo string, cfg config.RepoConfig, pr forge.PullRequest, sha string) (Result, error) {
	if pr.State == "closed" {
		return notReady(ClassificationClosed), nil
	}
	if pr.Draft {
		return notReady(ClassificationDraft), nil
	}
	if !cfg.BranchAllowed(pr.Base.Ref) {
		return notReady(ClassificationBranchNotAllowed), nil
	}

	approval, err := reviewsApprove(ctx, fc, owner, repo, pr, sha)
	if err != nil {
		return Result{}, err
	}
	if approval == reviewStateChangesRequested {
		return notReady(ClassificationChangesRequested), nil
	}
	if approval != reviewStateApproved {
		return notReady(ClassificationAwaitingReview), nil
	}

	status, err := statusesPass(ctx, fc, owner, repo, sha, cfg)
	if err != nil {
		return Result{}, err
	}
	switch status {
	case statusMissing:
		return notReady(ClassificationAwaitingStatus), nil
	case statusFailed:
		return notReady(ClassificationStatusFailed), nil
	}

	return Result{Ready: true, Classification: ClassificationReady}, nil
}

type reviewState int

const (
	reviewStateNone reviewState = iota
	reviewStateApproved
	reviewStateChangesRequested
)

// reviewsApprove lists reviews, filters to the ones submitted against sha
// (a review on a stale head doesn't count, matching the teacher's
// CommitID == pr.HeadRefOID scoping), reduces to the latest review per
// reviewer the way accumulate's psStates map keeps only the newest state
// per job, then rejects on any outstanding CHANGES_REQUESTED else requires
// at least one APPROVED.
func reviewsApprove(ctx context.Context, fc ForgeClient, owner, repo string, pr forge.PullRequest, sha string) (reviewState, error) {
	reviews, err := fc.ListReviews(ctx, owner, repo, pr.Number)
	if err != nil {
		return reviewStateNone, err
	}

	latest := map[string]forge.Review{}
	for _, r := range reviews {
		if r.CommitID != sha {
			continue
		}
		switch r.State {
		case forge.ReviewApproved, forge.ReviewChangesRequested, forge.ReviewDismissed:
		default:
			continue
		}
		prior, ok := latest[r.User.Login]
		if !ok || r.SubmittedAt.After(prior.SubmittedAt) {
			latest[r.User.Login] = r
		}
	}

	anyApproved := false
	for _, r := range latest {
		if r.State == forge.ReviewChangesRequested {
			return reviewStateChangesRequested, nil
		}
		if r.State == forge.ReviewApproved {
			anyApproved = true
		}
	}
	if anyApproved {
		return reviewStateApproved, nil
	}
	return reviewStateNone, nil
}

type statusResult int

const (
	statusPassed statusResult = iota
	statusMissing
	statusFailed
)

// statusesPass reuses unsuccessfulContexts' shape: optional contexts are
// ignored entirely, any reported non-optional context that isn't success
// fails the PR, and any required context absent from the reported set
// counts as missing rather than failing outright. When no context is
// reported and none is required, the forge's combined state decides: only
// "success" passes.
func statusesPass(ctx context.Context, fc ForgeClient, owner, repo, sha string, cfg config.RepoConfig) (statusResult, error) {
	combined, err := fc.GetCombinedStatus(ctx, owner, repo, sha)
	if err != nil {
		return statusFailed, err
	}

	optional := map[string]bool{}
	for _, c := range cfg.OptionalContexts {
		optional[c] = true
	}

	reported := map[string]string{}
	anyFailed := false
	for _, s := range combined.Statuses {
		reported[s.Context] = s.State
		if optional[s.Context] {
			continue
		}
		if s.State != "success" {
			anyFailed = true
		}
	}
	if anyFailed {
		return statusFailed, nil
	}

	for _, required := range cfg.RequiredContexts {
		if _, ok := reported[required]; !ok {
			return statusMissing, nil
		}
	}
	if len(reported) == 0 && len(cfg.RequiredContexts) == 0 && combined.State != "success" {
		return statusMissing, nil
	}
	return statusPassed, nil
}
