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

// Package config knows how to read and parse the bot's config.yaml and
// watch it for changes.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/ghodss/yaml"

	"github.com/clarketm/mergequeue/construct"
)

// Config is a read-only snapshot of the whole configuration file.
type Config struct {
	MergeQueue MergeQueue `json:"merge_queue,omitempty"`

	// Repos holds per-(owner/repo) configuration, keyed by "owner/repo".
	Repos map[string]RepoConfig `json:"repos,omitempty"`
}

// MergeQueue is global configuration for the queue controller and poller,
// the merge-queue-bot analogue of config.Tide.
type MergeQueue struct {
	// PollPeriodString compiles into PollPeriod at load time.
	PollPeriodString string `json:"poll_period,omitempty"`
	// PollPeriod specifies how often the poller re-syncs state with the
	// forge. Defaults to 10m.
	PollPeriod time.Duration `json:"-"`

	// BatchDebounceString compiles into BatchDebounce at load time.
	BatchDebounceString string `json:"batch_debounce,omitempty"`
	// BatchDebounce is how long the controller waits for more ready PRs to
	// arrive before constructing a batch. Defaults to 10m.
	BatchDebounce time.Duration `json:"-"`

	// MaxGoroutines bounds the worker pool used to fan a poll tick out
	// across repos.
	MaxGoroutines int `json:"max_goroutines,omitempty"`

	// DryRun disables every mutating forge call when true.
	DryRun bool `json:"dry_run,omitempty"`
}

// RepoConfig is per-repo configuration, the merge-queue-bot analogue of
// config.TideQuery/TideContextPolicy, resolved per org/repo the way Tide's
// queries and context policies are.
type RepoConfig struct {
	AllowedBranches []string `json:"allowed_branches,omitempty"`

	Strategy construct.Strategy `json:"strategy,omitempty"`

	RequiredContexts []string `json:"required_contexts,omitempty"`
	OptionalContexts []string `json:"optional_contexts,omitempty"`

	// PriorityLabels maps a label name to a priority bucket; PRs without a
	// matching label fall into the default bucket 0.
	PriorityLabels map[string]int `json:"priority_labels,omitempty"`

	// CommandPrefix replaces the merge command recognized in issue_comment
	// bodies (default "/merge"); the cancel command is always "/cancel".
	CommandPrefix string `json:"command_prefix,omitempty"`
}

// BranchAllowed reports whether branch is in the allow-list. An empty
// allow-list means every branch is allowed.
func (r RepoConfig) BranchAllowed(branch string) bool {
	if len(r.AllowedBranches) == 0 {
		return true
	}
	for _, b := range r.AllowedBranches {
		if b == branch {
			return true
		}
	}
	return false
}

// PriorityForLabels resolves the highest-priority bucket (lowest integer,
// sorts first) among the PR's labels, or nil if none match.
func (r RepoConfig) PriorityForLabels(labels []string) *int {
	var best *int
	for _, l := range labels {
		if p, ok := r.PriorityLabels[l]; ok {
			if best == nil || p < *best {
				v := p
				best = &v
			}
		}
	}
	return best
}

// RepoConfigFor looks up the configuration for owner/repo, returning the
// zero value (every branch allowed, default strategy, no required
// contexts) if unconfigured.
func (c *Config) RepoConfigFor(owner, repo string) RepoConfig {
	return c.Repos[owner+"/"+repo]
}

// Load loads and parses the config at path.
func Load(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", path, err)
	}
	nc := &Config{}
	if err := yaml.Unmarshal(b, nc); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %v", path, err)
	}
	if err := parseConfig(nc); err != nil {
		return nil, err
	}
	return nc, nil
}

func parseConfig(c *Config) error {
	pollPeriod, err := parseDurationDefault(c.MergeQueue.PollPeriodString, 10*time.Minute)
	if err != nil {
		return fmt.Errorf("cannot parse poll_period: %v", err)
	}
	c.MergeQueue.PollPeriod = pollPeriod

	batchDebounce, err := parseDurationDefault(c.MergeQueue.BatchDebounceString, 10*time.Minute)
	if err != nil {
		return fmt.Errorf("cannot parse batch_debounce: %v", err)
	}
	c.MergeQueue.BatchDebounce = batchDebounce

	if c.MergeQueue.MaxGoroutines <= 0 {
		c.MergeQueue.MaxGoroutines = 20
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
