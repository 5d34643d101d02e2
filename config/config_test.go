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

package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/clarketm/mergequeue/construct"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := ioutil.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MergeQueue.PollPeriod != 10*time.Minute {
		t.Errorf("expected default poll period of 10m, got %v", c.MergeQueue.PollPeriod)
	}
	if c.MergeQueue.BatchDebounce != 10*time.Minute {
		t.Errorf("expected default batch debounce of 10m, got %v", c.MergeQueue.BatchDebounce)
	}
	if c.MergeQueue.MaxGoroutines != 20 {
		t.Errorf("expected default max goroutines of 20, got %d", c.MergeQueue.MaxGoroutines)
	}
}

func TestLoadRepoConfig(t *testing.T) {
	path := writeTempConfig(t, `
merge_queue:
  poll_period: 5m
repos:
  kubernetes/kubernetes:
    allowed_branches: ["main", "release-1.2"]
    strategy: squash
    required_contexts: ["ci/build"]
    priority_labels:
      priority/critical: -1
    command_prefix: "/merge"
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.MergeQueue.PollPeriod != 5*time.Minute {
		t.Errorf("expected poll period of 5m, got %v", c.MergeQueue.PollPeriod)
	}

	rc := c.RepoConfigFor("kubernetes", "kubernetes")
	if rc.Strategy != construct.StrategySquash {
		t.Errorf("expected squash strategy, got %v", rc.Strategy)
	}
	if !rc.BranchAllowed("main") {
		t.Error("expected main to be allowed")
	}
	if rc.BranchAllowed("unlisted") {
		t.Error("expected unlisted branch to be rejected")
	}
	if p := rc.PriorityForLabels([]string{"priority/critical"}); p == nil || *p != -1 {
		t.Errorf("expected priority -1 for priority/critical label, got %v", p)
	}
	if p := rc.PriorityForLabels([]string{"unrelated"}); p != nil {
		t.Errorf("expected nil priority for unrelated label, got %v", p)
	}
}

func TestRepoConfigForUnconfiguredRepoAllowsEverything(t *testing.T) {
	c := &Config{}
	rc := c.RepoConfigFor("some", "repo")
	if !rc.BranchAllowed("anything") {
		t.Error("expected every branch to be allowed for an unconfigured repo")
	}
}

func TestAgentHotReload(t *testing.T) {
	path := writeTempConfig(t, `{}`)
	var a Agent
	if err := a.Start(path); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if a.Config().MergeQueue.PollPeriod != 10*time.Minute {
		t.Fatalf("expected initial default poll period")
	}

	if err := ioutil.WriteFile(path, []byte("merge_queue:\n  poll_period: 2m\n"), 0644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Config().MergeQueue.PollPeriod == 2*time.Minute {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("config was not hot-reloaded within the deadline; got %v", a.Config().MergeQueue.PollPeriod)
}
