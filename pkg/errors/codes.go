// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import "errors"

// Code extracts the machine-readable ErrorCode from err, if it carries
// one. Returns ("", false) for errors that don't classify (e.g. a bare
// ValidationError, which front-ends map to their own exit codes/HTTP
// statuses).
func Code(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}

	var sbErr *SandboxError
	if errors.As(err, &sbErr) {
		return sbErr.Code, true
	}

	var resErr *ResourceError
	if errors.As(err, &resErr) {
		switch resErr.Class {
		case RetryClassRateLimit:
			return CodeRateLimitExhausted, true
		case RetryClassTimeout:
			return CodeTimeout, true
		}
		return CodeRetryExhausted, true
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CodeTimeout, true
	}

	var serErr *SerializationError
	if errors.As(err, &serErr) {
		return CodeSerializationError, true
	}

	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		if !classifier.IsRetryable() {
			return "", false
		}
		return CodeRetryExhausted, true
	}

	return "", false
}
