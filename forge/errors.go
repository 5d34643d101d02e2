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

// ModifiedHeadError means the merge was rejected because the PR's head moved
// since the caller last read it.
type ModifiedHeadError struct {
	e error
}

func (e ModifiedHeadError) Error() string { return e.e.Error() }

// NewModifiedHeadError wraps e as a ModifiedHeadError.
func NewModifiedHeadError(e error) ModifiedHeadError { return ModifiedHeadError{e: e} }

// UnmergablePRBaseChangedError means the forge rejected the merge because it
// could not recompute mergeability against the base branch in time.
type UnmergablePRBaseChangedError struct {
	e error
}

func (e UnmergablePRBaseChangedError) Error() string { return e.e.Error() }

// NewUnmergablePRBaseChangedError wraps e as an UnmergablePRBaseChangedError.
func NewUnmergablePRBaseChangedError(e error) UnmergablePRBaseChangedError {
	return UnmergablePRBaseChangedError{e: e}
}

// UnauthorizedToPushError means the credentials used cannot push to the
// target branch, usually because of a branch protection rule.
type UnauthorizedToPushError struct {
	e error
}

func (e UnauthorizedToPushError) Error() string { return e.e.Error() }

// NewUnauthorizedToPushError wraps e as an UnauthorizedToPushError.
func NewUnauthorizedToPushError(e error) UnauthorizedToPushError {
	return UnauthorizedToPushError{e: e}
}

// UnmergablePRError means the forge reports the PR cannot be merged at all.
type UnmergablePRError struct {
	e error
}

func (e UnmergablePRError) Error() string { return e.e.Error() }

// NewUnmergablePRError wraps e as an UnmergablePRError.
func NewUnmergablePRError(e error) UnmergablePRError { return UnmergablePRError{e: e} }

// FastForwardRejectedError means a ref update was rejected because it was
// not a fast-forward (the protected branch moved since the staging branch
// was built on top of it).
type FastForwardRejectedError struct {
	e error
}

func (e FastForwardRejectedError) Error() string { return e.e.Error() }

// NewFastForwardRejectedError wraps e as a FastForwardRejectedError.
func NewFastForwardRejectedError(e error) FastForwardRejectedError {
	return FastForwardRejectedError{e: e}
}
