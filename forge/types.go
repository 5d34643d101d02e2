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

package forge

import "time"

// User identifies a forge account.
type User struct {
	Login string `json:"login"`
}

// PullRequest mirrors the subset of a hosted forge's pull request resource
// this bot reasons about.
type PullRequest struct {
	Number  int    `json:"number"`
	State   string `json:"state"`
	Draft   bool   `json:"draft"`
	Title   string `json:"title"`
	HTMLURL string `json:"html_url"`
	User    User   `json:"user"`

	Head PullRequestBranch `json:"head"`
	Base PullRequestBranch `json:"base"`

	Mergeable      *bool  `json:"mergeable"`
	MergeableState string `json:"mergeable_state"`

	Labels []Label `json:"labels"`
}

// PullRequestBranch describes one side (head or base) of a pull request.
type PullRequestBranch struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// Label is a forge label applied to an issue or pull request.
type Label struct {
	Name string `json:"name"`
}

// LabelNames extracts the label names off a pull request, the shape
// config.RepoConfig.PriorityForLabels and RequiredContexts-style allow-lists
// consume.
func (pr PullRequest) LabelNames() []string {
	names := make([]string, len(pr.Labels))
	for i, l := range pr.Labels {
		names[i] = l.Name
	}
	return names
}

// ReviewState is the state a review was submitted with.
type ReviewState string

const (
	ReviewApproved         ReviewState = "APPROVED"
	ReviewChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewCommented        ReviewState = "COMMENTED"
	ReviewDismissed        ReviewState = "DISMISSED"
	ReviewPending          ReviewState = "PENDING"
)

// Review is a single pull request review submission.
type Review struct {
	ID          int64       `json:"id"`
	User        User        `json:"user"`
	State       ReviewState `json:"state"`
	CommitID    string      `json:"commit_id"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// Status is a single commit status to report.
type Status struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context"`
}

// CombinedStatus is the aggregate of every status reported against a ref, the
// way the forge itself combines them into a single success/pending/failure.
type CombinedStatus struct {
	State    string   `json:"state"`
	Statuses []Status `json:"statuses"`
}

// IssueComment is a comment on a pull request's conversation (every PR is
// also an issue on this class of forge).
type IssueComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User User   `json:"user"`
}

// MergeDetails is the request body for a merge call.
type MergeDetails struct {
	CommitMessage string `json:"commit_message,omitempty"`
	SHA           string `json:"sha,omitempty"`
	MergeMethod   string `json:"merge_method,omitempty"`
}

// MergeResult is the response body from a successful merge call.
type MergeResult struct {
	SHA     string `json:"sha"`
	Merged  bool   `json:"merged"`
	Message string `json:"message"`
}

// RefUpdate is the request body for a ref update (fast-forward or force push
// of a branch to a new SHA).
type RefUpdate struct {
	SHA   string `json:"sha"`
	Force bool   `json:"force"`
}

// CommitAuthor identifies the author/committer of a created commit.
type CommitAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateCommitRequest is the request body to create a git commit object
// directly from a tree and parents, without a working tree merge. The
// construction strategies do not use it; they assemble commits locally
// with git commit-tree.
type CreateCommitRequest struct {
	Message string   `json:"message"`
	Tree    string   `json:"tree"`
	Parents []string `json:"parents"`
}

// Commit is a created or fetched git commit object.
type Commit struct {
	SHA     string   `json:"sha"`
	Parents []Commit `json:"parents,omitempty"`
}

// IsMergeCommit reports whether the commit has more than one parent.
func (c Commit) IsMergeCommit() bool { return len(c.Parents) > 1 }

// CompareResult is the response from comparing two refs, used to enumerate
// the commits unique to a PR's head for cherry-pick construction.
type CompareResult struct {
	Status       string   `json:"status"`
	AheadBy      int      `json:"ahead_by"`
	BehindBy     int      `json:"behind_by"`
	Commits      []Commit `json:"commits"`
	MergeBaseSHA string   `json:"merge_base_commit"`
}
