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

package broker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	coreerrors "github.com/forgecore/runtime/pkg/errors"
)

// Classify buckets an executor's error for the retry policy:
// context.DeadlineExceeded -> timeout, context.Canceled -> non-retryable;
// a *coreerrors.ResourceError -> its Class when set, else HTTP 429 ->
// rate_limit, HTTP 5xx -> server_error, other statuses non-retryable;
// a retryable ErrorClassifier -> timeout/network by ErrorType, else
// server_error; a Temporary() error -> network; everything else is
// non-retryable.
func Classify(err error) coreerrors.RetryClass {
	if err == nil {
		return coreerrors.RetryClassNone
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return coreerrors.RetryClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return coreerrors.RetryClassNone
	}

	var resErr *coreerrors.ResourceError
	if errors.As(err, &resErr) {
		if resErr.Class != coreerrors.RetryClassNone {
			return resErr.Class
		}
		switch {
		case resErr.StatusCode == http.StatusTooManyRequests:
			return coreerrors.RetryClassRateLimit
		case resErr.StatusCode >= 500:
			return coreerrors.RetryClassServerErr
		}
		return coreerrors.RetryClassNone
	}

	var classifier coreerrors.ErrorClassifier
	if errors.As(err, &classifier) {
		if !classifier.IsRetryable() {
			return coreerrors.RetryClassNone
		}
		switch classifier.ErrorType() {
		case "timeout":
			return coreerrors.RetryClassTimeout
		case "network":
			return coreerrors.RetryClassNetwork
		default:
			return coreerrors.RetryClassServerErr
		}
	}

	type temporary interface {
		Temporary() bool
	}
	if temp, ok := err.(temporary); ok && temp.Temporary() {
		return coreerrors.RetryClassNetwork
	}

	return coreerrors.RetryClassNone
}

// isRetryable reports whether class is enabled by spec.
func isRetryable(class coreerrors.RetryClass, spec RetrySpec) bool {
	if class == coreerrors.RetryClassNone {
		return false
	}
	for _, allowed := range spec.RetryableErrors {
		if allowed == class {
			return true
		}
	}
	return false
}

// backoff computes delay_k for attempt k (1-indexed):
// delay_k = min(maxDelayMs, baseDelayMs * 2^(k-1)) * (1 + uniform(-jitter, +jitter)).
func backoff(attempt int, spec RetrySpec) time.Duration {
	raw := float64(spec.BaseDelayMs) * math.Pow(2, float64(attempt-1))
	if spec.MaxDelayMs > 0 && raw > float64(spec.MaxDelayMs) {
		raw = float64(spec.MaxDelayMs)
	}

	if spec.Jitter > 0 {
		delta := (rand.Float64()*2 - 1) * spec.Jitter * raw
		raw += delta
	}

	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw) * time.Millisecond
}
