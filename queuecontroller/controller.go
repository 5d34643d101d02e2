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

// Package queuecontroller is the merge queue's state machine: the
// analogue of tide.Controller and plank.Controller rolled into one,
// driving PullRequest and MergeAttempt rows through admission, batch
// construction, CI gating and fast-forward completion.
package queuecontroller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sirupsen/logrus"

	mqv1 "github.com/clarketm/mergequeue/apis/mergequeue/v1"
	"github.com/clarketm/mergequeue/config"
	"github.com/clarketm/mergequeue/construct"
	"github.com/clarketm/mergequeue/forge"
	"github.com/clarketm/mergequeue/readiness"
	"github.com/clarketm/mergequeue/store"
)

// Timeout constants, the merge-queue-bot analogue of tide.go's statusUpdate
// interval and plank's pod-pending timeout: how long a row may sit in each
// state before the poller purges it.
const (
	TimeoutRequested    = time.Hour
	TimeoutQueued       = 24 * time.Hour
	TimeoutMerging      = 24 * time.Hour
	TimeoutSplit        = 24 * time.Hour
	TimeoutConstructing = 15 * time.Minute
	TimeoutTesting      = time.Hour
	TimeoutSuccess      = 15 * time.Minute
)

// ForgeClient is the slice of forge.Client the controller calls directly. It
// embeds readiness.ForgeClient rather than redeclaring ListReviews and
// GetCombinedStatus, the way plank.Controller's githubClient interface is
// built up from the calls its own sync loop makes.
type ForgeClient interface {
	readiness.ForgeClient

	GetPullRequest(ctx context.Context, owner, repo string, number int) (*forge.PullRequest, error)
	GetRef(ctx context.Context, owner, repo, ref string) (string, error)
	UpdateRef(ctx context.Context, owner, repo, ref, sha string, force bool) error
	CreateRef(ctx context.Context, owner, repo, ref, sha string) error
	DeleteRef(ctx context.Context, owner, repo, ref string) error
	CompareCommits(ctx context.Context, owner, repo, base, head string) (*forge.CompareResult, error)
	CreateComment(ctx context.Context, owner, repo string, number int, comment string) error
}

// Controller is the merge queue's state machine, mirroring tide.Controller's
// ghc/kc/gc/ca/logger shape: a store in place of tide's Kubernetes client,
// a single construct.Constructor in place of tide's direct git plumbing.
type Controller struct {
	st          store.Store
	fc          ForgeClient
	constructor construct.Constructor
	ca          *config.Agent
	logger      *logrus.Entry

	node *snowflake.Node
}

// NewController builds a Controller, generating merge attempt IDs from node
// 1 exactly as plank.NewController does for ProwJob names.
func NewController(st store.Store, fc ForgeClient, constructor construct.Constructor, ca *config.Agent) (*Controller, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("creating snowflake node: %v", err)
	}
	return &Controller{
		st:          st,
		fc:          fc,
		constructor: constructor,
		ca:          ca,
		logger:      logrus.WithField("component", "queuecontroller"),
		node:        node,
	}, nil
}

func (c *Controller) repoConfig(owner, repo string) config.RepoConfig {
	return c.ca.Config().RepoConfigFor(owner, repo)
}

func (c *Controller) nextID() string {
	return c.node.Generate().String()
}

// Request handles an explicit "queue this PR" command (§4.3.1).
func (c *Controller) Request(ctx context.Context, owner, repo string, number int) (string, error) {
	pr, err := c.fc.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		return "", err
	}
	if pr.State == "closed" {
		return "", fmt.Errorf("pull request is closed")
	}

	cfg := c.repoConfig(owner, repo)
	res, err := readiness.Evaluate(ctx, c.fc, owner, repo, cfg, *pr, pr.Head.SHA)
	if err != nil {
		return "", err
	}
	// A disallowed base branch can never become ready, so it is a user
	// error like a closed PR, not a REQUESTED row waiting on a timeout.
	if res.Classification == readiness.ClassificationBranchNotAllowed {
		return "", fmt.Errorf("branch not allow-listed")
	}

	key := mqv1.PullRequestKey{Owner: owner, Repo: repo, Number: number}
	var message string
	err = c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		if _, err := txn.GetPullRequest(key); err == nil {
			message = "already queued"
			return nil
		} else if err != store.ErrNotFound {
			return err
		}

		state := mqv1.PullRequestRequested
		if res.Ready {
			state = mqv1.PullRequestQueued
		}
		row := mqv1.PullRequest{
			PullRequestKey: key,
			CommitHash:     pr.Head.SHA,
			State:          state,
			Priority:       cfg.PriorityForLabels(pr.LabelNames()),
			Timestamp:      time.Now().Unix(),
		}
		if err := txn.CreatePullRequest(row); err != nil {
			return err
		}
		if res.Ready {
			message = "queued"
		} else {
			message = fmt.Sprintf("waiting (%s)", res.Classification)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := c.fc.CreateComment(ctx, owner, repo, number, message); err != nil {
		c.logger.WithError(err).Warn("posting confirmation comment")
	}
	if res.Ready {
		if err := c.Construct(ctx, owner, repo); err != nil {
			c.logger.WithError(err).Warn("Construct after Request")
		}
	}
	return message, nil
}

// Initiate re-evaluates a REQUESTED PR, e.g. after a new review or status
// arrives (§4.3.2).
func (c *Controller) Initiate(ctx context.Context, owner, repo string, number int) error {
	prForge, err := c.fc.GetPullRequest(ctx, owner, repo, number)
	if err != nil {
		return err
	}
	cfg := c.repoConfig(owner, repo)
	key := mqv1.PullRequestKey{Owner: owner, Repo: repo, Number: number}

	var advanced, headMoved bool
	err = c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		row, err := txn.GetPullRequest(key)
		if err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		if row.State != mqv1.PullRequestRequested {
			return nil
		}
		if row.CommitHash != prForge.Head.SHA {
			headMoved = true
			return txn.DeletePullRequest(key)
		}

		res, err := readiness.Evaluate(ctx, c.fc, owner, repo, cfg, *prForge, row.CommitHash)
		if err != nil {
			return err
		}
		if !res.Ready {
			return nil
		}
		row.State = mqv1.PullRequestQueued
		row.Timestamp = time.Now().Unix()
		if err := txn.UpdatePullRequest(*row); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	if err != nil {
		return err
	}
	if headMoved {
		if err := c.fc.CreateComment(ctx, owner, repo, number, "head moved; please re-request"); err != nil {
			c.logger.WithError(err).Warn("posting head-moved comment")
		}
		return nil
	}
	if advanced {
		return c.Construct(ctx, owner, repo)
	}
	return nil
}

// Construct drives admission and batch construction for owner/repo, the
// merge-queue-bot analogue of tide.go's sync/pickBatch pair (§4.3.3).
func (c *Controller) Construct(ctx context.Context, owner, repo string) error {
	cfg := c.repoConfig(owner, repo)
	debounce := c.ca.Config().MergeQueue.BatchDebounce

	var (
		attemptID string
		batch     []mqv1.PullRequest
	)
	err := c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		attempts, err := txn.ListMergeAttempts()
		if err != nil {
			return err
		}
		for _, a := range attempts {
			if a.State.Active() {
				return nil // I1: an attempt is already in flight
			}
		}
		for _, a := range attempts {
			if a.State != mqv1.AttemptSplit {
				continue
			}
			prs, err := txn.ListPullRequestsByAttempt(a.ID)
			if err != nil {
				return err
			}
			if len(prs) == 0 {
				// Garbage (I3); drop it and keep looking.
				if err := txn.DeleteMergeAttempt(a.ID); err != nil {
					return err
				}
				continue
			}
			// Adopt: the split set becomes the batch, re-entering the same
			// CONSTRUCTING/MERGING states a fresh admission would create.
			a.State = mqv1.AttemptConstructing
			a.Timestamp = time.Now().Unix()
			if err := txn.UpdateMergeAttempt(a); err != nil {
				return err
			}
			for _, pr := range prs {
				pr.State = mqv1.PullRequestMerging
				pr.Timestamp = time.Now().Unix()
				if err := txn.UpdatePullRequest(pr); err != nil {
					return err
				}
			}
			attemptID = a.ID
			batch = prs
			return nil
		}

		all, err := txn.ListPullRequests()
		if err != nil {
			return err
		}
		var queued []mqv1.PullRequest
		for _, pr := range all {
			if pr.State == mqv1.PullRequestQueued {
				queued = append(queued, pr)
			}
		}
		if len(queued) == 0 {
			return nil
		}

		bucket := bestPriorityBucket(queued)
		oldest := bucket[0].Timestamp
		for _, pr := range bucket[1:] {
			if pr.Timestamp < oldest {
				oldest = pr.Timestamp
			}
		}
		if time.Now().Unix()-oldest < int64(debounce.Seconds()) {
			return nil
		}

		id := c.nextID()
		attempt := mqv1.MergeAttempt{
			ID:        id,
			Owner:     owner,
			Repo:      repo,
			State:     mqv1.AttemptConstructing,
			Timestamp: time.Now().Unix(),
		}
		if err := txn.CreateMergeAttempt(attempt); err != nil {
			return err
		}
		for _, pr := range sortedByNumber(bucket) {
			pr.State = mqv1.PullRequestMerging
			pr.MergeAttemptID = id
			pr.Timestamp = time.Now().Unix()
			if err := txn.UpdatePullRequest(pr); err != nil {
				return err
			}
		}
		attemptID = id
		batch = bucket
		return nil
	})
	if err != nil || attemptID == "" {
		return err
	}

	return c.buildBatch(ctx, owner, repo, cfg, attemptID, batch)
}

// buildBatch performs the forge and git work Construct's admission
// transaction can't do from inside a store lock, then applies the outcome
// in a second, re-validated transaction.
func (c *Controller) buildBatch(ctx context.Context, owner, repo string, cfg config.RepoConfig, attemptID string, batch []mqv1.PullRequest) error {
	batch = sortedByNumber(batch)
	prForge, err := c.fc.GetPullRequest(ctx, owner, repo, batch[0].Number)
	if err != nil {
		return err
	}
	targetRef := "heads/" + prForge.Base.Ref
	baseSHA, err := c.fc.GetRef(ctx, owner, repo, targetRef)
	if err != nil {
		return err
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = construct.StrategyMerge
	}

	var batchPRs []construct.BatchPR
	for _, pr := range batch {
		bp := construct.BatchPR{Number: pr.Number, HeadSHA: pr.CommitHash}
		if strategy == construct.StrategyCherryPick {
			cmp, err := c.fc.CompareCommits(ctx, owner, repo, baseSHA, pr.CommitHash)
			if err != nil {
				return err
			}
			for _, commit := range cmp.Commits {
				if commit.IsMergeCommit() {
					bp.HasMergeCommits = true
				}
				bp.Commits = append(bp.Commits, commit.SHA)
			}
		}
		batchPRs = append(batchPRs, bp)
	}

	stagingBranch := (&mqv1.MergeAttempt{ID: attemptID}).StagingBranch()
	outcome, err := c.constructor.Construct(ctx, owner, repo, baseSHA, stagingBranch, batchPRs, strategy)
	if err != nil {
		return err
	}

	if len(outcome.Conflicts) == 0 {
		// The git-backed strategies have already pushed the staging branch;
		// this covers fast-forward (whose result is the PR head, never
		// pushed locally) and pins the ref to the exact SHA the outcome
		// reports.
		if err := c.forceUpdateRef(ctx, owner, repo, "heads/"+stagingBranch, outcome.StagingSHA); err != nil {
			return err
		}
		var promoted bool
		err := c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
			a, err := txn.GetMergeAttempt(attemptID)
			if err == store.ErrNotFound {
				return nil
			} else if err != nil {
				return err
			}
			if a.State != mqv1.AttemptConstructing {
				return nil
			}
			a.State = mqv1.AttemptTesting
			a.Timestamp = time.Now().Unix()
			promoted = true
			return txn.UpdateMergeAttempt(*a)
		})
		if err != nil {
			return err
		}
		if !promoted {
			// A concurrent cancel won; the staging commit no longer has an
			// owner.
			c.deleteStagingRef(ctx, owner, repo, attemptID)
		}
		return nil
	}

	// Conflict: report each conflicting PR, then apply the split.
	for _, n := range outcome.Conflicts {
		if err := c.fc.CreateComment(ctx, owner, repo, n, "merge conflict, removed from this batch"); err != nil {
			c.logger.WithError(err).Warn("posting conflict comment")
		}
	}

	if len(batch) == 1 {
		err := c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
			if err := txn.DeletePullRequest(batch[0].PullRequestKey); err != nil {
				return err
			}
			return txn.DeleteMergeAttempt(attemptID)
		})
		if err != nil {
			return err
		}
		c.deleteStagingRef(ctx, owner, repo, attemptID)
		return nil
	}

	newID := c.nextID()
	return c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		a, err := txn.GetMergeAttempt(attemptID)
		if err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		if a.State != mqv1.AttemptConstructing {
			return nil
		}

		newAttempt := mqv1.MergeAttempt{ID: newID, Owner: owner, Repo: repo, State: mqv1.AttemptSplit, Timestamp: time.Now().Unix()}
		if err := txn.CreateMergeAttempt(newAttempt); err != nil {
			return err
		}
		for _, pr := range batch {
			row, err := txn.GetPullRequest(pr.PullRequestKey)
			if err == store.ErrNotFound {
				continue
			} else if err != nil {
				return err
			}
			row.State = mqv1.PullRequestSplit
			row.Timestamp = time.Now().Unix()
			if containsNumber(outcome.Conflicts, pr.Number) {
				row.MergeAttemptID = newID
			}
			if err := txn.UpdatePullRequest(*row); err != nil {
				return err
			}
		}
		a.State = mqv1.AttemptSplit
		a.Timestamp = time.Now().Unix()
		return txn.UpdateMergeAttempt(*a)
	})
}

func (c *Controller) forceUpdateRef(ctx context.Context, owner, repo, ref, sha string) error {
	if err := c.fc.UpdateRef(ctx, owner, repo, ref, sha, true); err != nil {
		return c.fc.CreateRef(ctx, owner, repo, ref, sha)
	}
	return nil
}

// deleteStagingRef removes a deleted attempt's staging branch. The ref may
// never have been created (an attempt can die before construction finishes),
// so a failed delete is only worth a debug line.
func (c *Controller) deleteStagingRef(ctx context.Context, owner, repo, attemptID string) {
	ref := "heads/" + (&mqv1.MergeAttempt{ID: attemptID}).StagingBranch()
	if err := c.fc.DeleteRef(ctx, owner, repo, ref); err != nil {
		c.logger.WithError(err).Debug("deleting staging ref")
	}
}

// Test processes a CI status update on a staging branch (§4.3.4).
func (c *Controller) Test(ctx context.Context, owner, repo, attemptID string) error {
	var attempt *mqv1.MergeAttempt
	err := c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		a, err := txn.GetMergeAttempt(attemptID)
		if err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		if a.State != mqv1.AttemptTesting {
			return nil
		}
		attempt = a
		return nil
	})
	if err != nil || attempt == nil {
		return err
	}

	cfg := c.repoConfig(owner, repo)
	combined, err := c.fc.GetCombinedStatus(ctx, owner, repo, attempt.StagingBranch())
	if err != nil {
		return err
	}

	optional := map[string]bool{}
	for _, ctxName := range cfg.OptionalContexts {
		optional[ctxName] = true
	}
	seen := map[string]bool{}
	failed := false
	for _, s := range combined.Statuses {
		seen[s.Context] = true
		if optional[s.Context] {
			continue
		}
		if s.State != "success" {
			failed = true
		}
	}
	missing := false
	for _, required := range cfg.RequiredContexts {
		if !seen[required] {
			missing = true
		}
	}

	var succeeded, bisected bool
	var rejected []int
	err = c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		a, err := txn.GetMergeAttempt(attemptID)
		if err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		if a.State != mqv1.AttemptTesting {
			return nil
		}

		if failed {
			bisected = true
			rejected, err = c.bisect(txn, owner, repo, a)
			return err
		}
		if missing {
			return nil
		}
		a.State = mqv1.AttemptSuccess
		a.Timestamp = time.Now().Unix()
		succeeded = true
		return txn.UpdateMergeAttempt(*a)
	})
	if err != nil {
		return err
	}
	if bisected {
		c.deleteStagingRef(ctx, owner, repo, attemptID)
	}
	for _, n := range rejected {
		if err := c.fc.CreateComment(ctx, owner, repo, n, "tests failed, removed from queue"); err != nil {
			c.logger.WithError(err).Warn("posting test-failure comment")
		}
	}
	if succeeded {
		return c.Complete(ctx, owner, repo, attemptID)
	}
	return nil
}

// bisect halves a failing attempt's PRs, stable by ascending PR number, into
// two new SPLIT attempts, or deletes a single failing PR outright. It returns
// the numbers of PRs rejected outright so the caller can report the failure
// once the transaction commits.
func (c *Controller) bisect(txn store.Txn, owner, repo string, a *mqv1.MergeAttempt) ([]int, error) {
	prs, err := txn.ListPullRequestsByAttempt(a.ID)
	if err != nil {
		return nil, err
	}
	prs = sortedByNumber(prs)

	if len(prs) <= 1 {
		var rejected []int
		for _, pr := range prs {
			if err := txn.DeletePullRequest(pr.PullRequestKey); err != nil {
				return nil, err
			}
			rejected = append(rejected, pr.Number)
		}
		return rejected, txn.DeleteMergeAttempt(a.ID)
	}

	mid := len(prs) / 2
	for _, half := range [][]mqv1.PullRequest{prs[:mid], prs[mid:]} {
		id := c.nextID()
		newAttempt := mqv1.MergeAttempt{ID: id, Owner: owner, Repo: repo, State: mqv1.AttemptSplit, Timestamp: time.Now().Unix()}
		if err := txn.CreateMergeAttempt(newAttempt); err != nil {
			return nil, err
		}
		for _, pr := range half {
			pr.State = mqv1.PullRequestSplit
			pr.MergeAttemptID = id
			pr.Timestamp = time.Now().Unix()
			if err := txn.UpdatePullRequest(pr); err != nil {
				return nil, err
			}
		}
	}
	return nil, txn.DeleteMergeAttempt(a.ID)
}

// Complete fast-forwards the protected target branch to a SUCCESS attempt's
// staging commit (§4.3.5).
func (c *Controller) Complete(ctx context.Context, owner, repo, attemptID string) error {
	var attempt *mqv1.MergeAttempt
	var prs []mqv1.PullRequest
	err := c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		a, err := txn.GetMergeAttempt(attemptID)
		if err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		if a.State != mqv1.AttemptSuccess {
			return nil
		}
		ps, err := txn.ListPullRequestsByAttempt(attemptID)
		if err != nil {
			return err
		}
		attempt = a
		prs = sortedByNumber(ps)
		return nil
	})
	if err != nil || attempt == nil {
		return err
	}
	if len(prs) == 0 {
		return c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
			if _, err := txn.GetMergeAttempt(attemptID); err == store.ErrNotFound {
				return nil
			}
			return txn.DeleteMergeAttempt(attemptID)
		})
	}

	prForge, err := c.fc.GetPullRequest(ctx, owner, repo, prs[0].Number)
	if err != nil {
		return err
	}
	targetRef := "heads/" + prForge.Base.Ref
	stagingSHA, err := c.fc.GetRef(ctx, owner, repo, "heads/"+attempt.StagingBranch())
	if err != nil {
		return err
	}

	ffErr := c.fc.UpdateRef(ctx, owner, repo, targetRef, stagingSHA, false)
	if ffErr != nil {
		if _, ok := ffErr.(forge.FastForwardRejectedError); ok {
			c.logger.WithFields(logrus.Fields{"org": owner, "repo": repo}).Info("fast-forward rejected, resetting batch to QUEUED")
		}
		defer c.deleteStagingRef(ctx, owner, repo, attemptID)
		return c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
			a, err := txn.GetMergeAttempt(attemptID)
			if err == store.ErrNotFound {
				return nil
			} else if err != nil {
				return err
			}
			if a.State != mqv1.AttemptSuccess {
				return nil
			}
			for _, pr := range prs {
				row, err := txn.GetPullRequest(pr.PullRequestKey)
				if err == store.ErrNotFound {
					continue
				} else if err != nil {
					return err
				}
				row.State = mqv1.PullRequestQueued
				row.MergeAttemptID = ""
				row.Timestamp = time.Now().Unix()
				if err := txn.UpdatePullRequest(*row); err != nil {
					return err
				}
			}
			return txn.DeleteMergeAttempt(attemptID)
		})
	}

	err = c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		a, err := txn.GetMergeAttempt(attemptID)
		if err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		if a.State != mqv1.AttemptSuccess {
			return nil
		}
		for _, pr := range prs {
			if err := txn.DeletePullRequest(pr.PullRequestKey); err != nil {
				return err
			}
		}
		return txn.DeleteMergeAttempt(attemptID)
	})
	if err != nil {
		return err
	}
	for _, pr := range prs {
		if err := c.fc.CreateComment(ctx, owner, repo, pr.Number, "merged"); err != nil {
			c.logger.WithError(err).Warn("posting success comment")
		}
	}
	c.deleteStagingRef(ctx, owner, repo, attemptID)
	return c.Construct(ctx, owner, repo)
}

// Cancel removes a PR from the queue, aborting whatever attempt it's
// entangled in (§4.3.6).
func (c *Controller) Cancel(ctx context.Context, owner, repo string, number int) error {
	key := mqv1.PullRequestKey{Owner: owner, Repo: repo, Number: number}
	var deletedAttempt string
	err := c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		row, err := txn.GetPullRequest(key)
		if err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}

		switch row.State {
		case mqv1.PullRequestRequested, mqv1.PullRequestQueued:
			return txn.DeletePullRequest(key)

		case mqv1.PullRequestMerging:
			attemptID := row.MergeAttemptID
			if err := txn.DeletePullRequest(key); err != nil {
				return err
			}
			siblings, err := txn.ListPullRequestsByAttempt(attemptID)
			if err != nil {
				return err
			}
			if len(siblings) == 0 {
				deletedAttempt = attemptID
				return txn.DeleteMergeAttempt(attemptID)
			}
			a, err := txn.GetMergeAttempt(attemptID)
			if err == store.ErrNotFound {
				return nil
			} else if err != nil {
				return err
			}
			a.State = mqv1.AttemptSplit
			a.Timestamp = time.Now().Unix()
			if err := txn.UpdateMergeAttempt(*a); err != nil {
				return err
			}
			for _, s := range siblings {
				s.State = mqv1.PullRequestSplit
				s.Timestamp = time.Now().Unix()
				if err := txn.UpdatePullRequest(s); err != nil {
					return err
				}
			}
			return nil

		case mqv1.PullRequestSplit:
			attemptID := row.MergeAttemptID
			if err := txn.DeletePullRequest(key); err != nil {
				return err
			}
			remaining, err := txn.ListPullRequestsByAttempt(attemptID)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				deletedAttempt = attemptID
				return txn.DeleteMergeAttempt(attemptID)
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	if deletedAttempt != "" {
		c.deleteStagingRef(ctx, owner, repo, deletedAttempt)
	}
	return nil
}

// PullRequestForCommit finds the PR number currently tracked at commit sha
// in owner/repo. Status and check webhooks carry a commit SHA, not a PR
// number; the router uses this read-only lookup to correlate the two
// before calling Initiate, the same way it uses MergeAttempt.StagingBranch
// to correlate a staging SHA back to an attempt ID.
func (c *Controller) PullRequestForCommit(ctx context.Context, owner, repo, sha string) (int, bool, error) {
	var number int
	var found bool
	err := c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		prs, err := txn.ListPullRequests()
		if err != nil {
			return err
		}
		for _, pr := range prs {
			if pr.CommitHash == sha {
				number = pr.Number
				found = true
				return nil
			}
		}
		return nil
	})
	return number, found, err
}

// Snapshot returns every PullRequest and MergeAttempt row for owner/repo,
// the merge-queue-bot analogue of tide.go's ServeHTTP /pool endpoint that
// dumps its in-memory pool as JSON for operators.
func (c *Controller) Snapshot(ctx context.Context, owner, repo string) ([]mqv1.PullRequest, []mqv1.MergeAttempt, error) {
	var prs []mqv1.PullRequest
	var attempts []mqv1.MergeAttempt
	err := c.st.InRepoTxn(ctx, owner, repo, func(txn store.Txn) error {
		var err error
		prs, err = txn.ListPullRequests()
		if err != nil {
			return err
		}
		attempts, err = txn.ListMergeAttempts()
		return err
	})
	return prs, attempts, err
}

type ownerRepo struct{ owner, repo string }

// repoWork is one repo's slice of the poll scan.
type repoWork struct {
	key      ownerRepo
	prs      []mqv1.PullRequest
	attempts []mqv1.MergeAttempt
}

// Poll is the idempotent crash-recovery scan run every MergeQueue.PollPeriod
// (§4.3.7): it purges timed-out rows and re-drives every state that has an
// associated entry point, so a crash mid-operation is never terminal. Repos
// are synced concurrently by a worker pool bounded by
// MergeQueue.MaxGoroutines; within a repo the store's per-repo lock keeps
// transitions serialized.
func (c *Controller) Poll(ctx context.Context) error {
	prs, err := c.st.ListAllPullRequests(ctx)
	if err != nil {
		return err
	}
	attempts, err := c.st.ListAllMergeAttempts(ctx)
	if err != nil {
		return err
	}

	work := map[ownerRepo]*repoWork{}
	get := func(key ownerRepo) *repoWork {
		w, ok := work[key]
		if !ok {
			w = &repoWork{key: key}
			work[key] = w
		}
		return w
	}
	for _, pr := range prs {
		w := get(ownerRepo{pr.Owner, pr.Repo})
		w.prs = append(w.prs, pr)
	}
	for _, a := range attempts {
		w := get(ownerRepo{a.Owner, a.Repo})
		w.attempts = append(w.attempts, a)
	}

	goroutines := c.ca.Config().MergeQueue.MaxGoroutines
	if goroutines <= 0 {
		goroutines = 1
	}
	workChan := make(chan *repoWork, len(work))
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for w := range workChan {
				c.pollRepo(ctx, w)
			}
		}()
	}
	for _, w := range work {
		workChan <- w
	}
	close(workChan)
	wg.Wait()
	return nil
}

func (c *Controller) pollRepo(ctx context.Context, w *repoWork) {
	now := time.Now().Unix()
	construct := false

	for _, pr := range w.prs {
		if d := prTimeout(pr.State); d > 0 && now-pr.Timestamp > int64(d.Seconds()) {
			c.purgePullRequest(ctx, pr)
			continue
		}
		switch pr.State {
		case mqv1.PullRequestRequested:
			if err := c.Initiate(ctx, pr.Owner, pr.Repo, pr.Number); err != nil {
				c.logger.WithError(err).Warn("Initiate from poll")
			}
		case mqv1.PullRequestQueued, mqv1.PullRequestSplit:
			construct = true
		}
	}

	for _, a := range w.attempts {
		if d := attemptTimeout(a.State); d > 0 && now-a.Timestamp > int64(d.Seconds()) {
			c.purgeMergeAttempt(ctx, a)
			continue
		}
		switch a.State {
		case mqv1.AttemptTesting:
			if err := c.Test(ctx, a.Owner, a.Repo, a.ID); err != nil {
				c.logger.WithError(err).Warn("Test from poll")
			}
		case mqv1.AttemptSuccess:
			if err := c.Complete(ctx, a.Owner, a.Repo, a.ID); err != nil {
				c.logger.WithError(err).Warn("Complete from poll")
			}
		}
	}

	if construct {
		if err := c.Construct(ctx, w.key.owner, w.key.repo); err != nil {
			c.logger.WithError(err).Warn("Construct from poll")
		}
	}
}

func (c *Controller) purgePullRequest(ctx context.Context, pr mqv1.PullRequest) {
	if err := c.fc.CreateComment(ctx, pr.Owner, pr.Repo, pr.Number, "timed out, removed from queue"); err != nil {
		c.logger.WithError(err).Warn("posting timeout comment")
	}
	if err := c.Cancel(ctx, pr.Owner, pr.Repo, pr.Number); err != nil {
		c.logger.WithError(err).Warn("Cancel from poll timeout")
	}
}

func (c *Controller) purgeMergeAttempt(ctx context.Context, a mqv1.MergeAttempt) {
	var prs []mqv1.PullRequest
	err := c.st.InRepoTxn(ctx, a.Owner, a.Repo, func(txn store.Txn) error {
		if _, err := txn.GetMergeAttempt(a.ID); err == store.ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		ps, err := txn.ListPullRequestsByAttempt(a.ID)
		if err != nil {
			return err
		}
		prs = ps
		for _, pr := range ps {
			if err := txn.DeletePullRequest(pr.PullRequestKey); err != nil {
				return err
			}
		}
		return txn.DeleteMergeAttempt(a.ID)
	})
	if err != nil {
		c.logger.WithError(err).Warn("purging timed-out merge attempt")
		return
	}
	c.deleteStagingRef(ctx, a.Owner, a.Repo, a.ID)
	for _, pr := range prs {
		if err := c.fc.CreateComment(ctx, a.Owner, a.Repo, pr.Number, "merge attempt timed out, removed from queue"); err != nil {
			c.logger.WithError(err).Warn("posting timeout comment")
		}
	}
}

func prTimeout(s mqv1.PullRequestState) time.Duration {
	switch s {
	case mqv1.PullRequestRequested:
		return TimeoutRequested
	case mqv1.PullRequestQueued:
		return TimeoutQueued
	case mqv1.PullRequestMerging:
		return TimeoutMerging
	case mqv1.PullRequestSplit:
		return TimeoutSplit
	}
	return 0
}

func attemptTimeout(s mqv1.MergeAttemptState) time.Duration {
	switch s {
	case mqv1.AttemptConstructing:
		return TimeoutConstructing
	case mqv1.AttemptTesting:
		return TimeoutTesting
	case mqv1.AttemptSuccess:
		return TimeoutSuccess
	}
	return 0
}

// bestPriorityBucket partitions by PriorityBucket and returns the
// lowest-numbered (highest-priority) non-empty bucket.
func bestPriorityBucket(prs []mqv1.PullRequest) []mqv1.PullRequest {
	buckets := map[int][]mqv1.PullRequest{}
	best := 0
	first := true
	for _, pr := range prs {
		b := pr.PriorityBucket()
		buckets[b] = append(buckets[b], pr)
		if first || b < best {
			best = b
			first = false
		}
	}
	return buckets[best]
}

func sortedByNumber(prs []mqv1.PullRequest) []mqv1.PullRequest {
	out := make([]mqv1.PullRequest, len(prs))
	copy(out, prs)
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func containsNumber(ns []int, n int) bool {
	for _, x := range ns {
		if x == n {
			return true
		}
	}
	return false
}
