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

// Package v1 holds the two persisted entities of the merge queue: PullRequest
// and MergeAttempt. They are plain structs with JSON tags, not an API server
// resource; Metadata.Version exists purely so the Store can do optimistic
// concurrency control.
package v1

import "fmt"

// PullRequestState is the lifecycle state of a queued PullRequest.
type PullRequestState string

const (
	PullRequestRequested PullRequestState = "REQUESTED"
	PullRequestQueued    PullRequestState = "QUEUED"
	PullRequestMerging   PullRequestState = "MERGING"
	PullRequestSplit     PullRequestState = "SPLIT"
)

// MergeAttemptState is the lifecycle state of a MergeAttempt.
type MergeAttemptState string

const (
	AttemptConstructing MergeAttemptState = "CONSTRUCTING"
	AttemptTesting      MergeAttemptState = "TESTING"
	AttemptSuccess      MergeAttemptState = "SUCCESS"
	AttemptSplit        MergeAttemptState = "SPLIT"
)

// Active reports whether the attempt counts toward invariant I1 (at most one
// active attempt per repo).
func (s MergeAttemptState) Active() bool {
	return s == AttemptConstructing || s == AttemptTesting || s == AttemptSuccess
}

// Metadata carries the optimistic-concurrency version for a stored row. It is
// the Store's analogue of Kubernetes' ResourceVersion: a write must supply
// the version it read, and the Store rejects stale writes with a
// ConflictError instead of silently clobbering a concurrent transition.
type Metadata struct {
	Version int64 `json:"version"`
}

// PullRequestKey identifies a queued PullRequest.
type PullRequestKey struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

func (k PullRequestKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Owner, k.Repo, k.Number)
}

// PullRequest is the persisted row for a PR the bot is reasoning about.
type PullRequest struct {
	Metadata `json:"metadata"`

	PullRequestKey `json:"key"`

	// CommitHash is the head commit the bot last observed and is reasoning
	// about. It is frozen once the PR leaves REQUESTED (see I5) until the PR
	// is cancelled and re-requested.
	CommitHash string `json:"commit_hash"`

	State PullRequestState `json:"state"`

	// MergeAttemptID is set iff State is MERGING or SPLIT (I2/I4).
	MergeAttemptID string `json:"merge_attempt_id,omitempty"`

	// Timestamp is the epoch-seconds time of the last state transition.
	Timestamp int64 `json:"timestamp"`

	// Priority is the reserved priority bucket; nil means the default bucket.
	Priority *int `json:"priority,omitempty"`
}

// HasAttempt reports whether the PR's state requires a MergeAttemptID (I2/I4).
func (pr *PullRequest) HasAttempt() bool {
	return pr.State == PullRequestMerging || pr.State == PullRequestSplit
}

// PriorityBucket returns the priority used for admission bucketing; PRs
// without an explicit priority fall into bucket 0, the default.
func (pr *PullRequest) PriorityBucket() int {
	if pr.Priority == nil {
		return 0
	}
	return *pr.Priority
}

// MergeAttempt is the persisted row for one in-flight (or just-finished)
// batch merge attempt.
type MergeAttempt struct {
	Metadata `json:"metadata"`

	ID    string `json:"id"`
	Owner string `json:"owner"`
	Repo  string `json:"repo"`

	State MergeAttemptState `json:"state"`

	Timestamp int64 `json:"timestamp"`
}

// StagingBranch is the deterministic staging ref name for this attempt. The
// attempt owns this ref exclusively for its lifetime (§3).
func (a *MergeAttempt) StagingBranch() string {
	return "staging-" + a.ID
}
