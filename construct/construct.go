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

// Package construct builds a staging branch out of a batch of pull requests
// under one of six strategies, behind a single dispatching Constructor so
// callers never see strategy-specific types.
package construct

import (
	"context"
	"fmt"
	"sort"

	"github.com/clarketm/mergequeue/git"
)

// Strategy selects how a batch's commits are assembled onto the staging
// branch.
type Strategy string

const (
	StrategyMerge       Strategy = "merge"
	StrategyOctopus     Strategy = "octopus"
	StrategySquash      Strategy = "squash"
	StrategyBatchSquash Strategy = "batch-squash"
	StrategyCherryPick  Strategy = "cherry-pick"
	StrategyFastForward Strategy = "fast-forward"
)

// BatchPR is one pull request's contribution to a construction attempt.
type BatchPR struct {
	Number  int
	HeadSHA string
	// Commits is the ordered (oldest-first) list of commit SHAs unique to
	// this PR, populated from forge.Client.CompareCommits for the
	// cherry-pick strategy. Unused by the other strategies.
	Commits []string
	// HasMergeCommits marks a PR whose enumerated commits include a merge
	// commit. Merge commits cannot be replayed one at a time, so the
	// cherry-pick strategy rejects the whole PR.
	HasMergeCommits bool
}

// Outcome is the result of a construction attempt.
type Outcome struct {
	// StagingSHA is the resulting commit the staging branch should point
	// at. Zero value if every PR conflicted.
	StagingSHA string
	// Conflicts lists the PR numbers that could not be included.
	Conflicts []int
}

// Constructor builds a staging branch commit from a batch. On success the
// result has been pushed to stagingBranch on the forge; the constructor
// writes that ref and nothing else. The fast-forward strategy pushes
// nothing and reports the PR's own head as StagingSHA.
type Constructor interface {
	Construct(ctx context.Context, owner, repo, baseSHA, stagingBranch string, batch []BatchPR, strategy Strategy) (Outcome, error)
}

// Repo is the working-tree contract a construction attempt needs, modeled
// on tide.go's pickBatch call site (r.Config/r.Checkout/r.Merge/r.Clean).
type Repo interface {
	Directory() string
	Clean() error
	Config(key, value string) error
	Checkout(commitish string) error
	Merge(commitish string) (bool, error)
	CherryPick(commitish string) (bool, error)
	MergeAndCheckout(baseSHA, method string, commits ...string) error
	CommitTree(treeish, message string, parents ...string) (string, error)
	ForcePush(branch string) error
	RevParse(ref string) (string, error)
	MergeBase(a, b string) (string, error)
}

// GitClient clones repositories into a Repo working tree.
type GitClient interface {
	Clone(orgRepo string) (Repo, error)
}

type gitClientAdapter struct {
	c *git.Client
}

func (a *gitClientAdapter) Clone(orgRepo string) (Repo, error) {
	r, err := a.c.Clone(orgRepo)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// NewGitClient adapts a concrete *git.Client to the GitClient interface
// this package depends on.
func NewGitClient(c *git.Client) GitClient {
	return &gitClientAdapter{c: c}
}

// gitConstructor implements every strategy behind one dispatch, the way the
// spec requires the Controller never see strategy-specific types.
type gitConstructor struct {
	gc GitClient
}

// NewConstructor returns a Constructor backed by gc.
func NewConstructor(gc GitClient) Constructor {
	return &gitConstructor{gc: gc}
}

func (g *gitConstructor) Construct(ctx context.Context, owner, repo, baseSHA, stagingBranch string, batch []BatchPR, strategy Strategy) (Outcome, error) {
	switch strategy {
	case StrategyFastForward:
		return g.constructFastForward(owner, repo, baseSHA, batch)
	case StrategyMerge, StrategySquash:
		return g.constructSequential(owner, repo, baseSHA, stagingBranch, batch, strategy)
	case StrategyOctopus:
		return g.constructOctopus(owner, repo, baseSHA, stagingBranch, batch)
	case StrategyBatchSquash:
		return g.constructBatchSquash(owner, repo, baseSHA, stagingBranch, batch)
	case StrategyCherryPick:
		return g.constructCherryPick(owner, repo, baseSHA, stagingBranch, batch)
	default:
		return Outcome{}, fmt.Errorf("unsupported strategy %q", strategy)
	}
}

// constructFastForward permits only a batch of exactly one PR whose head
// already contains the base; anything else is reported as conflicting so
// the controller splits or rejects it instead of stalling the attempt.
func (g *gitConstructor) constructFastForward(owner, repo, baseSHA string, batch []BatchPR) (Outcome, error) {
	if len(batch) != 1 {
		nums := make([]int, len(batch))
		for i, pr := range batch {
			nums[i] = pr.Number
		}
		return Outcome{Conflicts: nums}, nil
	}

	r, err := g.cloneAndPrep(owner, repo, baseSHA)
	if err != nil {
		return Outcome{}, err
	}
	defer r.Clean()

	mb, err := r.MergeBase(baseSHA, batch[0].HeadSHA)
	if err != nil {
		return Outcome{}, err
	}
	if mb != baseSHA {
		return Outcome{Conflicts: []int{batch[0].Number}}, nil
	}
	return Outcome{StagingSHA: batch[0].HeadSHA}, nil
}

// constructSequential implements both merge and squash: it folds each PR's
// head onto the base in ascending PR-number order, skipping (and
// recording) any PR whose merge conflicts, exactly as pickBatch's
// fold-and-record-conflicts loop does for the default merge strategy.
func (g *gitConstructor) constructSequential(owner, repo, baseSHA, stagingBranch string, batch []BatchPR, strategy Strategy) (Outcome, error) {
	r, err := g.cloneAndPrep(owner, repo, baseSHA)
	if err != nil {
		return Outcome{}, err
	}
	defer r.Clean()

	ordered := sortedByNumber(batch)
	var conflicts []int
	var included []BatchPR
	for _, pr := range ordered {
		var ok bool
		if strategy == StrategySquash {
			head, err := r.RevParse("HEAD")
			if err != nil {
				return Outcome{}, err
			}
			// Pass the current HEAD as baseSHA so MergeAndCheckout's
			// checkout is a no-op and prior PRs folded into this attempt
			// survive; MergeAndCheckout doesn't distinguish a merge
			// conflict from a harder git failure, so any error here is
			// recorded as this PR conflicting, same as Merge does.
			ok = r.MergeAndCheckout(head, "squash", pr.HeadSHA) == nil
		} else {
			var err error
			ok, err = r.Merge(pr.HeadSHA)
			if err != nil {
				return Outcome{}, err
			}
		}
		if !ok {
			conflicts = append(conflicts, pr.Number)
			continue
		}
		included = append(included, pr)
	}
	if len(included) == 0 {
		return Outcome{Conflicts: conflicts}, nil
	}
	sha, err := publish(r, stagingBranch)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{StagingSHA: sha, Conflicts: conflicts}, nil
}

// constructOctopus folds every head in sequentially, then synthesizes one
// commit whose tree is the folded tip and whose parents are the PR heads.
// A sequential merge can still isolate the offending PR, so conflicts are
// recorded per PR like the merge strategy.
func (g *gitConstructor) constructOctopus(owner, repo, baseSHA, stagingBranch string, batch []BatchPR) (Outcome, error) {
	r, err := g.cloneAndPrep(owner, repo, baseSHA)
	if err != nil {
		return Outcome{}, err
	}
	defer r.Clean()

	ordered := sortedByNumber(batch)
	var conflicts []int
	var parents []string
	for _, pr := range ordered {
		ok, err := r.Merge(pr.HeadSHA)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			conflicts = append(conflicts, pr.Number)
			continue
		}
		parents = append(parents, pr.HeadSHA)
	}
	if len(parents) == 0 {
		return Outcome{Conflicts: conflicts}, nil
	}
	if _, err := r.CommitTree("HEAD", "octopus merge", parents...); err != nil {
		return Outcome{}, err
	}
	sha, err := publish(r, stagingBranch)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{StagingSHA: sha, Conflicts: conflicts}, nil
}

// constructBatchSquash folds every PR's head into the working tree like
// merge, then synthesizes a single commit whose tree is the folded tip and
// whose only parent is the base, discarding any PR that conflicted on the
// way in.
func (g *gitConstructor) constructBatchSquash(owner, repo, baseSHA, stagingBranch string, batch []BatchPR) (Outcome, error) {
	r, err := g.cloneAndPrep(owner, repo, baseSHA)
	if err != nil {
		return Outcome{}, err
	}
	defer r.Clean()

	ordered := sortedByNumber(batch)
	var conflicts []int
	applied := 0
	for _, pr := range ordered {
		ok, err := r.Merge(pr.HeadSHA)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			conflicts = append(conflicts, pr.Number)
			continue
		}
		applied++
	}
	if applied == 0 {
		return Outcome{Conflicts: conflicts}, nil
	}
	if _, err := r.CommitTree("HEAD", "squashed batch", baseSHA); err != nil {
		return Outcome{}, err
	}
	sha, err := publish(r, stagingBranch)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{StagingSHA: sha, Conflicts: conflicts}, nil
}

// constructCherryPick replays each PR's enumerated commits (in oldest-first
// order, already toposorted by the caller from forge.CompareCommits) onto
// the base individually, skipping a PR whose commits fail to apply.
func (g *gitConstructor) constructCherryPick(owner, repo, baseSHA, stagingBranch string, batch []BatchPR) (Outcome, error) {
	r, err := g.cloneAndPrep(owner, repo, baseSHA)
	if err != nil {
		return Outcome{}, err
	}
	defer r.Clean()

	ordered := sortedByNumber(batch)
	var conflicts []int
	anyApplied := false
	for _, pr := range ordered {
		if pr.HasMergeCommits {
			conflicts = append(conflicts, pr.Number)
			continue
		}
		sha, err := r.RevParse("HEAD")
		if err != nil {
			return Outcome{}, err
		}
		failed := false
		for _, commit := range pr.Commits {
			if ok, err := r.CherryPick(commit); err != nil {
				return Outcome{}, err
			} else if !ok {
				failed = true
				break
			}
		}
		if failed {
			conflicts = append(conflicts, pr.Number)
			if err := r.Checkout(sha); err != nil {
				return Outcome{}, err
			}
			continue
		}
		anyApplied = true
	}
	if !anyApplied {
		return Outcome{Conflicts: conflicts}, nil
	}
	sha, err := publish(r, stagingBranch)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{StagingSHA: sha, Conflicts: conflicts}, nil
}

// publish pushes HEAD to the staging branch and returns its SHA.
func publish(r Repo, stagingBranch string) (string, error) {
	if err := r.ForcePush(stagingBranch); err != nil {
		return "", err
	}
	return r.RevParse("HEAD")
}

func (g *gitConstructor) cloneAndPrep(owner, repo, baseSHA string) (Repo, error) {
	r, err := g.gc.Clone(owner + "/" + repo)
	if err != nil {
		return nil, err
	}
	if err := r.Config("user.name", "mergequeuebot"); err != nil {
		r.Clean()
		return nil, err
	}
	if err := r.Config("user.email", "mergequeuebot@localhost"); err != nil {
		r.Clean()
		return nil, err
	}
	if err := r.Config("commit.gpgsign", "false"); err != nil {
		r.Clean()
		return nil, err
	}
	if err := r.Checkout(baseSHA); err != nil {
		r.Clean()
		return nil, err
	}
	return r, nil
}

func sortedByNumber(batch []BatchPR) []BatchPR {
	ordered := make([]BatchPR, len(batch))
	copy(ordered, batch)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })
	return ordered
}
