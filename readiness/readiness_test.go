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

package readiness

import (
	"context"
	"testing"
	"time"

	"github.com/clarketm/mergequeue/config"
	"github.com/clarketm/mergequeue/forge"
)

type fakeForgeClient struct {
	reviews  []forge.Review
	combined *forge.CombinedStatus
}

func (f *fakeForgeClient) ListReviews(ctx context.Context, owner, repo string, number int) ([]forge.Review, error) {
	return f.reviews, nil
}

func (f *fakeForgeClient) GetCombinedStatus(ctx context.Context, owner, repo, ref string) (*forge.CombinedStatus, error) {
	return f.combined, nil
}

func basePR() forge.PullRequest {
	return forge.PullRequest{
		Number: 1,
		State:  "open",
		Base:   forge.PullRequestBranch{Ref: "main"},
	}
}

func TestEvaluateClosed(t *testing.T) {
	pr := basePR()
	pr.State = "closed"
	res, err := Evaluate(context.Background(), &fakeForgeClient{}, "o", "r", config.RepoConfig{}, pr, "sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Ready || res.Classification != ClassificationClosed {
		t.Errorf("expected closed classification, got %+v", res)
	}
}

func TestEvaluateDraft(t *testing.T) {
	pr := basePR()
	pr.Draft = true
	res, err := Evaluate(context.Background(), &fakeForgeClient{}, "o", "r", config.RepoConfig{}, pr, "sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Ready || res.Classification != ClassificationDraft {
		t.Errorf("expected draft classification, got %+v", res)
	}
}

func TestEvaluateBranchNotAllowed(t *testing.T) {
	pr := basePR()
	cfg := config.RepoConfig{AllowedBranches: []string{"release"}}
	res, err := Evaluate(context.Background(), &fakeForgeClient{}, "o", "r", cfg, pr, "sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Ready || res.Classification != ClassificationBranchNotAllowed {
		t.Errorf("expected branch-not-allowed classification, got %+v", res)
	}
}

func TestEvaluateAwaitingReviewWithNoReviews(t *testing.T) {
	pr := basePR()
	fc := &fakeForgeClient{}
	res, err := Evaluate(context.Background(), fc, "o", "r", config.RepoConfig{}, pr, "sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Ready || res.Classification != ClassificationAwaitingReview {
		t.Errorf("expected awaiting-review classification, got %+v", res)
	}
}

func TestEvaluateChangesRequestedWins(t *testing.T) {
	pr := basePR()
	fc := &fakeForgeClient{
		reviews: []forge.Review{
			{User: forge.User{Login: "alice"}, State: forge.ReviewApproved, CommitID: "sha", SubmittedAt: time.Unix(1, 0)},
			{User: forge.User{Login: "bob"}, State: forge.ReviewChangesRequested, CommitID: "sha", SubmittedAt: time.Unix(2, 0)},
		},
	}
	res, err := Evaluate(context.Background(), fc, "o", "r", config.RepoConfig{}, pr, "sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Ready || res.Classification != ClassificationChangesRequested {
		t.Errorf("expected changes-requested classification, got %+v", res)
	}
}

func TestEvaluateReviewOnStaleHeadIgnored(t *testing.T) {
	pr := basePR()
	fc := &fakeForgeClient{
		reviews: []forge.Review{
			{User: forge.User{Login: "alice"}, State: forge.ReviewApproved, CommitID: "old-sha", SubmittedAt: time.Unix(1, 0)},
		},
		combined: &forge.CombinedStatus{State: "success"},
	}
	res, err := Evaluate(context.Background(), fc, "o", "r", config.RepoConfig{}, pr, "new-sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Ready || res.Classification != ClassificationAwaitingReview {
		t.Errorf("expected a review scoped to an old commit to be ignored, got %+v", res)
	}
}

func TestEvaluateLatestReviewPerReviewerWins(t *testing.T) {
	pr := basePR()
	fc := &fakeForgeClient{
		reviews: []forge.Review{
			{User: forge.User{Login: "alice"}, State: forge.ReviewChangesRequested, CommitID: "sha", SubmittedAt: time.Unix(1, 0)},
			{User: forge.User{Login: "alice"}, State: forge.ReviewApproved, CommitID: "sha", SubmittedAt: time.Unix(2, 0)},
		},
		combined: &forge.CombinedStatus{State: "success"},
	}
	res, err := Evaluate(context.Background(), fc, "o", "r", config.RepoConfig{}, pr, "sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Ready {
		t.Errorf("expected alice's later APPROVED review to supersede her earlier CHANGES_REQUESTED, got %+v", res)
	}
}

func TestEvaluateAwaitingStatus(t *testing.T) {
	pr := basePR()
	fc := &fakeForgeClient{
		reviews: []forge.Review{
			{User: forge.User{Login: "alice"}, State: forge.ReviewApproved, CommitID: "sha", SubmittedAt: time.Unix(1, 0)},
		},
		combined: &forge.CombinedStatus{State: "pending"},
	}
	cfg := config.RepoConfig{RequiredContexts: []string{"ci/build"}}
	res, err := Evaluate(context.Background(), fc, "o", "r", cfg, pr, "sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Ready || res.Classification != ClassificationAwaitingStatus {
		t.Errorf("expected awaiting-status classification, got %+v", res)
	}
}

func TestEvaluateStatusFailed(t *testing.T) {
	pr := basePR()
	fc := &fakeForgeClient{
		reviews: []forge.Review{
			{User: forge.User{Login: "alice"}, State: forge.ReviewApproved, CommitID: "sha", SubmittedAt: time.Unix(1, 0)},
		},
		combined: &forge.CombinedStatus{Statuses: []forge.Status{{Context: "ci/build", State: "failure"}}},
	}
	cfg := config.RepoConfig{RequiredContexts: []string{"ci/build"}}
	res, err := Evaluate(context.Background(), fc, "o", "r", cfg, pr, "sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Ready || res.Classification != ClassificationStatusFailed {
		t.Errorf("expected status-failed classification, got %+v", res)
	}
}

func TestEvaluateOptionalContextIgnoredWhenFailing(t *testing.T) {
	pr := basePR()
	fc := &fakeForgeClient{
		reviews: []forge.Review{
			{User: forge.User{Login: "alice"}, State: forge.ReviewApproved, CommitID: "sha", SubmittedAt: time.Unix(1, 0)},
		},
		combined: &forge.CombinedStatus{Statuses: []forge.Status{
			{Context: "ci/build", State: "success"},
			{Context: "ci/flaky-lint", State: "failure"},
		}},
	}
	cfg := config.RepoConfig{RequiredContexts: []string{"ci/build"}, OptionalContexts: []string{"ci/flaky-lint"}}
	res, err := Evaluate(context.Background(), fc, "o", "r", cfg, pr, "sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Ready {
		t.Errorf("expected a failing optional context to be ignored, got %+v", res)
	}
}

func TestEvaluateReady(t *testing.T) {
	pr := basePR()
	fc := &fakeForgeClient{
		reviews: []forge.Review{
			{User: forge.User{Login: "alice"}, State: forge.ReviewApproved, CommitID: "sha", SubmittedAt: time.Unix(1, 0)},
		},
		combined: &forge.CombinedStatus{Statuses: []forge.Status{{Context: "ci/build", State: "success"}}},
	}
	cfg := config.RepoConfig{RequiredContexts: []string{"ci/build"}}
	res, err := Evaluate(context.Background(), fc, "o", "r", cfg, pr, "sha")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Ready || res.Classification != ClassificationReady {
		t.Errorf("expected ready classification, got %+v", res)
	}
}
