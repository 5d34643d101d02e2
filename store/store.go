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

// Package store defines the transactional persistence contract for the
// merge queue's two entities (§3 of the spec) and an in-memory
// implementation satisfying it. A production deployment swaps in any
// transactional key/value or relational store that implements Store;
// nothing in queuecontroller depends on the concrete implementation.
package store

import (
	"context"
	"errors"
	"fmt"

	mqv1 "github.com/clarketm/mergequeue/apis/mergequeue/v1"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by Create when a row with the same key
// already exists.
var ErrAlreadyExists = errors.New("already exists")

// ConflictError is returned when a write's expected Version does not match
// the stored Version: someone else committed a transition first. The
// generalization of kube.ConflictError (the 409 the Kubernetes API server
// returns on a stale PUT) to our own Store.
type ConflictError struct {
	msg string
}

func (e ConflictError) Error() string { return e.msg }

// NewConflictError builds a ConflictError with context.
func NewConflictError(format string, args ...interface{}) ConflictError {
	return ConflictError{msg: fmt.Sprintf(format, args...)}
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// Txn is a handle into one transaction scoped to a single (owner, repo). All
// mutations made through a Txn are only visible to other callers once the
// function passed to Store.InRepoTxn returns nil; a non-nil return discards
// them. This is the granularity required by §5: "move batch into MERGING" is
// one transaction, "bisect attempt into two SPLITs" is one transaction.
type Txn interface {
	// GetPullRequest returns ErrNotFound if absent.
	GetPullRequest(key mqv1.PullRequestKey) (*mqv1.PullRequest, error)
	// ListPullRequests returns every PullRequest row in this transaction's repo.
	ListPullRequests() ([]mqv1.PullRequest, error)
	// ListPullRequestsByAttempt returns the PRs whose MergeAttemptID matches id.
	ListPullRequestsByAttempt(id string) ([]mqv1.PullRequest, error)
	// CreatePullRequest inserts a new row. Returns ErrAlreadyExists if present.
	CreatePullRequest(pr mqv1.PullRequest) error
	// UpdatePullRequest performs a compare-and-swap on pr.Version. Returns
	// ConflictError if the stored version has moved on.
	UpdatePullRequest(pr mqv1.PullRequest) error
	// DeletePullRequest removes the row. A no-op (not an error) if absent,
	// since every delete path in §4.3 must be safe to re-enter.
	DeletePullRequest(key mqv1.PullRequestKey) error

	// GetMergeAttempt returns ErrNotFound if absent.
	GetMergeAttempt(id string) (*mqv1.MergeAttempt, error)
	// ListMergeAttempts returns every MergeAttempt row in this transaction's repo.
	ListMergeAttempts() ([]mqv1.MergeAttempt, error)
	// CreateMergeAttempt inserts a new row. Returns ErrAlreadyExists if present.
	CreateMergeAttempt(a mqv1.MergeAttempt) error
	// UpdateMergeAttempt performs a compare-and-swap on a.Version.
	UpdateMergeAttempt(a mqv1.MergeAttempt) error
	// DeleteMergeAttempt removes the row; a no-op if absent.
	DeleteMergeAttempt(id string) error
}

// Store is the persistence contract. Implementations must serialize all
// writes to the same (owner, repo) pair: InRepoTxn is the unit the
// Controller relies on for I1-I5 to hold after every commit.
type Store interface {
	// InRepoTxn runs fn with exclusive write access to the (owner, repo)
	// pair's rows. Errors from fn propagate and abort the transaction.
	InRepoTxn(ctx context.Context, owner, repo string, fn func(Txn) error) error

	// ListAllPullRequests returns every PullRequest row across every repo,
	// for the poller's full scan (§4.3.7). It is read-only and need not be
	// linearized with concurrent InRepoTxn calls; the poller re-validates
	// state inside a transaction before acting on anything it sees here.
	ListAllPullRequests(ctx context.Context) ([]mqv1.PullRequest, error)

	// ListAllMergeAttempts returns every MergeAttempt row across every repo,
	// for the same reason.
	ListAllMergeAttempts(ctx context.Context) ([]mqv1.MergeAttempt, error)
}
