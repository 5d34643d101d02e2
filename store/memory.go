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

package store

import (
	"context"
	"sync"

	mqv1 "github.com/clarketm/mergequeue/apis/mergequeue/v1"
)

// Memory is an in-process Store. It satisfies every invariant in §3 and is
// suitable for tests and for single-process deployments; a replicated
// deployment would swap this for a real transactional store behind the same
// interface (§9: "optimistic transactions with a repo-scoped version column,
// or a queue-per-repo worker" are equally valid implementations).
//
// Per-repo serialization is implemented as an in-process keyed mutex map,
// the first of the three equally-valid options the design notes call out.
type Memory struct {
	mu sync.Mutex

	repoLocks map[string]*sync.Mutex

	prs      map[mqv1.PullRequestKey]mqv1.PullRequest
	attempts map[string]mqv1.MergeAttempt
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		repoLocks: make(map[string]*sync.Mutex),
		prs:       make(map[mqv1.PullRequestKey]mqv1.PullRequest),
		attempts:  make(map[string]mqv1.MergeAttempt),
	}
}

func repoLockKey(owner, repo string) string {
	return owner + "/" + repo
}

func (m *Memory) repoLock(owner, repo string) *sync.Mutex {
	key := repoLockKey(owner, repo)
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.repoLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.repoLocks[key] = l
	}
	return l
}

// InRepoTxn implements Store.
func (m *Memory) InRepoTxn(ctx context.Context, owner, repo string, fn func(Txn) error) error {
	lock := m.repoLock(owner, repo)
	lock.Lock()
	defer lock.Unlock()

	txn := newMemoryTxn(m, owner, repo)
	if err := fn(txn); err != nil {
		return err
	}
	txn.commit()
	return nil
}

// ListAllPullRequests implements Store.
func (m *Memory) ListAllPullRequests(ctx context.Context) ([]mqv1.PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mqv1.PullRequest, 0, len(m.prs))
	for _, pr := range m.prs {
		out = append(out, pr)
	}
	return out, nil
}

// ListAllMergeAttempts implements Store.
func (m *Memory) ListAllMergeAttempts(ctx context.Context) ([]mqv1.MergeAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mqv1.MergeAttempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		out = append(out, a)
	}
	return out, nil
}

// memoryTxn is a copy-on-write view of one repo's rows. Mutations land in
// the copy; commit() is only called once fn returns nil, so an error from
// fn discards everything the closure did.
type memoryTxn struct {
	parent *Memory
	owner  string
	repo   string

	prs      map[mqv1.PullRequestKey]mqv1.PullRequest
	attempts map[string]mqv1.MergeAttempt
}

func newMemoryTxn(m *Memory, owner, repo string) *memoryTxn {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &memoryTxn{
		parent:   m,
		owner:    owner,
		repo:     repo,
		prs:      make(map[mqv1.PullRequestKey]mqv1.PullRequest),
		attempts: make(map[string]mqv1.MergeAttempt),
	}
	for k, v := range m.prs {
		if k.Owner == owner && k.Repo == repo {
			t.prs[k] = v
		}
	}
	for id, a := range m.attempts {
		if a.Owner == owner && a.Repo == repo {
			t.attempts[id] = a
		}
	}
	return t
}

// commit merges the transaction's final state back into the parent store,
// deleting rows that existed at the start of the transaction but are absent
// from the copy.
func (t *memoryTxn) commit() {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()

	for k := range t.parent.prs {
		if k.Owner == t.owner && k.Repo == t.repo {
			if _, ok := t.prs[k]; !ok {
				delete(t.parent.prs, k)
			}
		}
	}
	for k, v := range t.prs {
		t.parent.prs[k] = v
	}

	for id, a := range t.parent.attempts {
		if a.Owner == t.owner && a.Repo == t.repo {
			if _, ok := t.attempts[id]; !ok {
				delete(t.parent.attempts, id)
			}
		}
	}
	for id, a := range t.attempts {
		t.parent.attempts[id] = a
	}
}

func (t *memoryTxn) GetPullRequest(key mqv1.PullRequestKey) (*mqv1.PullRequest, error) {
	pr, ok := t.prs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &pr, nil
}

func (t *memoryTxn) ListPullRequests() ([]mqv1.PullRequest, error) {
	out := make([]mqv1.PullRequest, 0, len(t.prs))
	for _, pr := range t.prs {
		out = append(out, pr)
	}
	return out, nil
}

func (t *memoryTxn) ListPullRequestsByAttempt(id string) ([]mqv1.PullRequest, error) {
	var out []mqv1.PullRequest
	for _, pr := range t.prs {
		if pr.MergeAttemptID == id {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (t *memoryTxn) CreatePullRequest(pr mqv1.PullRequest) error {
	if _, ok := t.prs[pr.PullRequestKey]; ok {
		return ErrAlreadyExists
	}
	pr.Version = 1
	t.prs[pr.PullRequestKey] = pr
	return nil
}

func (t *memoryTxn) UpdatePullRequest(pr mqv1.PullRequest) error {
	cur, ok := t.prs[pr.PullRequestKey]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != pr.Version {
		return NewConflictError("pull request %s: expected version %d, got %d", pr.PullRequestKey, pr.Version, cur.Version)
	}
	pr.Version = cur.Version + 1
	t.prs[pr.PullRequestKey] = pr
	return nil
}

func (t *memoryTxn) DeletePullRequest(key mqv1.PullRequestKey) error {
	delete(t.prs, key)
	return nil
}

func (t *memoryTxn) GetMergeAttempt(id string) (*mqv1.MergeAttempt, error) {
	a, ok := t.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (t *memoryTxn) ListMergeAttempts() ([]mqv1.MergeAttempt, error) {
	out := make([]mqv1.MergeAttempt, 0, len(t.attempts))
	for _, a := range t.attempts {
		out = append(out, a)
	}
	return out, nil
}

func (t *memoryTxn) CreateMergeAttempt(a mqv1.MergeAttempt) error {
	if _, ok := t.attempts[a.ID]; ok {
		return ErrAlreadyExists
	}
	a.Version = 1
	t.attempts[a.ID] = a
	return nil
}

func (t *memoryTxn) UpdateMergeAttempt(a mqv1.MergeAttempt) error {
	cur, ok := t.attempts[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != a.Version {
		return NewConflictError("merge attempt %s: expected version %d, got %d", a.ID, a.Version, cur.Version)
	}
	a.Version = cur.Version + 1
	t.attempts[a.ID] = a
	return nil
}

func (t *memoryTxn) DeleteMergeAttempt(id string) error {
	delete(t.attempts, id)
	return nil
}
