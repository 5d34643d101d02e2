/*
Copyright 2016 The Kubernetes Authors.

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

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// ValidatePayload checks a webhook payload against its signature header,
// accepting either the sha1= or sha256= signature scheme.
func ValidatePayload(payload []byte, signature string, secret []byte) bool {
	algo, sig, ok := strings.Cut(signature, "=")
	if !ok {
		return false
	}
	var mac []byte
	switch algo {
	case "sha1":
		h := hmac.New(sha1.New, secret)
		h.Write(payload)
		mac = h.Sum(nil)
	case "sha256":
		h := hmac.New(sha256.New, secret)
		h.Write(payload)
		mac = h.Sum(nil)
	default:
		return false
	}
	expected := hex.EncodeToString(mac)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

// Repo identifies the repository an event occurred in.
type Repo struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    User   `json:"owner"`
}

// PullRequestEvent is the payload of a pull_request webhook.
type PullRequestEvent struct {
	Action      string      `json:"action"`
	Number      int         `json:"number"`
	PullRequest PullRequest `json:"pull_request"`
	Repo        Repo        `json:"repository"`
}

// IssueCommentEvent is the payload of an issue_comment webhook.
type IssueCommentEvent struct {
	Action  string       `json:"action"`
	Issue   Issue        `json:"issue"`
	Comment IssueComment `json:"comment"`
	Repo    Repo         `json:"repository"`
}

// Issue is the minimal issue resource carried by issue_comment events; a
// pull request is also an issue on this class of forge.
type Issue struct {
	Number      int  `json:"number"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// IsPullRequest reports whether the commented-on issue is a pull request.
func (i Issue) IsPullRequest() bool { return i.PullRequest != nil }

// PullRequestReviewEvent is the payload of a pull_request_review webhook.
type PullRequestReviewEvent struct {
	Action      string      `json:"action"`
	Review      Review      `json:"review"`
	PullRequest PullRequest `json:"pull_request"`
	Repo        Repo        `json:"repository"`
}

// Branch names a branch currently pointing at a status event's commit.
type Branch struct {
	Name string `json:"name"`
}

// StatusEvent is the payload of a status webhook. Branches lists every
// branch presently pointing at SHA, the way the forge's real status
// payload does; the router uses it to recognize a staging branch's name
// without a separate lookup.
type StatusEvent struct {
	SHA      string   `json:"sha"`
	State    string   `json:"state"`
	Context  string   `json:"context"`
	Branches []Branch `json:"branches"`
	Repo     Repo     `json:"repository"`
}

// MinimalPullRequest is the reduced PR shape the forge nests inside
// check_suite/check_run payloads.
type MinimalPullRequest struct {
	Number int `json:"number"`
}

// CheckSuiteEvent is the payload of a check_suite webhook.
type CheckSuiteEvent struct {
	Action     string `json:"action"`
	CheckSuite struct {
		HeadSHA      string               `json:"head_sha"`
		HeadBranch   string               `json:"head_branch"`
		Conclusion   string               `json:"conclusion"`
		PullRequests []MinimalPullRequest `json:"pull_requests"`
	} `json:"check_suite"`
	Repo Repo `json:"repository"`
}

// CheckRunEvent is the payload of a check_run webhook.
type CheckRunEvent struct {
	Action   string `json:"action"`
	CheckRun struct {
		HeadSHA      string               `json:"head_sha"`
		Conclusion   string               `json:"conclusion"`
		Name         string               `json:"name"`
		PullRequests []MinimalPullRequest `json:"pull_requests"`
	} `json:"check_run"`
	Repo Repo `json:"repository"`
}

// PushEvent is the payload of a push webhook.
type PushEvent struct {
	Ref    string `json:"ref"`
	Before string `json:"before"`
	After  string `json:"after"`
	Repo   Repo   `json:"repository"`
}
