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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	coreerrors "github.com/forgecore/runtime/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *coreerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &coreerrors.ValidationError{
				Field:      "limits.timeoutMs",
				Message:    "required field is missing",
				Suggestion: "set limits.timeoutMs in the invocation context",
			},
			wantMsg: "validation failed on limits.timeoutMs: required field is missing",
		},
		{
			name: "without field",
			err: &coreerrors.ValidationError{
				Message:    "invalid format",
				Suggestion: "check the input format",
			},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *coreerrors.NotFoundError
		wantMsg string
	}{
		{
			name: "handler not found",
			err: &coreerrors.NotFoundError{
				Resource: "handler",
				ID:       "handlers/sync.ts#run",
			},
			wantMsg: "handler not found: handlers/sync.ts#run",
		},
		{
			name: "job not found",
			err: &coreerrors.NotFoundError{
				Resource: "job",
				ID:       "nightly-sync",
			},
			wantMsg: "job not found: nightly-sync",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestResourceError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *coreerrors.ResourceError
		want    []string
		notWant []string
	}{
		{
			name: "full error with all fields",
			err: &coreerrors.ResourceError{
				Resource:   "llm",
				StatusCode: 429,
				Class:      coreerrors.RetryClassRateLimit,
				Message:    "rate limit exceeded",
				RequestID:  "req_123",
			},
			want:    []string{"llm", "HTTP 429", "rate limit exceeded", "req_123"},
			notWant: []string{},
		},
		{
			name: "minimal error",
			err: &coreerrors.ResourceError{
				Resource: "embedding",
				Message:  "connection failed",
			},
			want:    []string{"embedding", "connection failed"},
			notWant: []string{"HTTP", "request-id"},
		},
		{
			name: "with status code only",
			err: &coreerrors.ResourceError{
				Resource:   "vectorindex",
				StatusCode: 500,
				Message:    "internal server error",
			},
			want:    []string{"vectorindex", "HTTP 500", "internal server error"},
			notWant: []string{"request-id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("ResourceError.Error() = %q, want to contain %q", got, want)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(got, notWant) {
					t.Errorf("ResourceError.Error() = %q, should not contain %q", got, notWant)
				}
			}
		})
	}
}

func TestResourceError_Unwrap(t *testing.T) {
	cause := errors.New("network error")
	err := &coreerrors.ResourceError{
		Resource: "llm",
		Message:  "request failed",
		Cause:    cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ResourceError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *coreerrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &coreerrors.ConfigError{
				Key:    "limits.memoryMB",
				Reason: "must be positive",
			},
			wantMsg: "config error at limits.memoryMB: must be positive",
		},
		{
			name: "without key",
			err: &coreerrors.ConfigError{
				Reason: "manifest not found",
			},
			wantMsg: "config error: manifest not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &coreerrors.ConfigError{
		Key:    "config",
		Reason: "failed to load",
		Cause:  cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *coreerrors.TimeoutError
		want    []string
		notWant []string
	}{
		{
			name: "handler invocation timeout",
			err: &coreerrors.TimeoutError{
				Operation: "handler invocation",
				Duration:  30 * time.Second,
			},
			want:    []string{"handler invocation", "30s"},
			notWant: []string{},
		},
		{
			name: "resource request timeout",
			err: &coreerrors.TimeoutError{
				Operation: "resource request",
				Duration:  2 * time.Minute,
			},
			want:    []string{"resource request", "2m0s"},
			notWant: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
			for _, notWant := range tt.notWant {
				if strings.Contains(got, notWant) {
					t.Errorf("TimeoutError.Error() = %q, should not contain %q", got, notWant)
				}
			}
		})
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &coreerrors.TimeoutError{
		Operation: "test",
		Duration:  5 * time.Second,
		Cause:     cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestSandboxError_Error(t *testing.T) {
	err := &coreerrors.SandboxError{
		Code:    coreerrors.CodeTimeout,
		Message: "handler exceeded timeoutMs",
	}
	want := "sandbox error [TIMEOUT]: handler exceeded timeoutMs"
	if got := err.Error(); got != want {
		t.Errorf("SandboxError.Error() = %q, want %q", got, want)
	}
}

func TestSerializationError_Error(t *testing.T) {
	err := &coreerrors.SerializationError{
		Path:   "root.items[2]",
		Reason: "circular reference",
	}
	want := "serialization failed at root.items[2]: circular reference"
	if got := err.Error(); got != want {
		t.Errorf("SerializationError.Error() = %q, want %q", got, want)
	}
}

// Test error wrapping with fmt.Errorf
func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &coreerrors.ValidationError{
			Field:   "email",
			Message: "invalid format",
		}
		wrapped := fmt.Errorf("user input validation: %w", original)

		var target *coreerrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "email" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "email")
		}
	})

	t.Run("NotFoundError can be wrapped", func(t *testing.T) {
		original := &coreerrors.NotFoundError{
			Resource: "handler",
			ID:       "test",
		}
		wrapped := fmt.Errorf("loading handler: %w", original)

		var target *coreerrors.NotFoundError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find NotFoundError in wrapped error")
		}
		if target.Resource != "handler" {
			t.Errorf("unwrapped error Resource = %q, want %q", target.Resource, "handler")
		}
	})

	t.Run("ResourceError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("network timeout")
		resourceErr := &coreerrors.ResourceError{
			Resource: "llm",
			Message:  "request failed",
			Cause:    rootCause,
		}
		wrapped := fmt.Errorf("executing resource call: %w", resourceErr)

		var target *coreerrors.ResourceError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ResourceError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ResourceError.Unwrap() should return root cause")
		}
	})

	t.Run("ConfigError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("file not found")
		configErr := &coreerrors.ConfigError{
			Key:    "limits.memoryMB",
			Reason: "missing required field",
			Cause:  rootCause,
		}
		wrapped := fmt.Errorf("loading config: %w", configErr)

		var target *coreerrors.ConfigError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ConfigError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ConfigError.Unwrap() should return root cause")
		}
	})

	t.Run("TimeoutError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("context deadline exceeded")
		timeoutErr := &coreerrors.TimeoutError{
			Operation: "test",
			Duration:  5 * time.Second,
			Cause:     rootCause,
		}
		wrapped := fmt.Errorf("operation timeout: %w", timeoutErr)

		var target *coreerrors.TimeoutError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find TimeoutError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("TimeoutError.Unwrap() should return root cause")
		}
	})
}

// Test errors.Is behavior
func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped ValidationError", func(t *testing.T) {
		original := &coreerrors.ValidationError{Field: "test"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &coreerrors.NotFoundError{Resource: "test", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}

func TestResourceError_Classification(t *testing.T) {
	err := &coreerrors.ResourceError{Resource: "llm", Class: coreerrors.RetryClassRateLimit, Message: "rate limited"}

	if !err.IsUserVisible() {
		t.Error("ResourceError.IsUserVisible() = false, want true")
	}
	if err.ErrorType() != "resource" {
		t.Errorf("ErrorType() = %q, want %q", err.ErrorType(), "resource")
	}
	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true for a rate-limit class")
	}
	if err.Suggestion() == "" {
		t.Error("Suggestion() is empty for a rate-limit class")
	}
}

func TestSandboxError_Classification(t *testing.T) {
	err := &coreerrors.SandboxError{Code: coreerrors.CodeMemory, Message: "oom"}

	if !err.IsUserVisible() {
		t.Error("SandboxError.IsUserVisible() = false, want true")
	}
	if err.IsRetryable() {
		t.Error("IsRetryable() = true, want false for a memory-limit failure")
	}
	if err.Suggestion() == "" {
		t.Error("Suggestion() is empty for CodeMemory")
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    coreerrors.ErrorCode
		wantOK  bool
	}{
		{
			name:   "sandbox timeout",
			err:    &coreerrors.SandboxError{Code: coreerrors.CodeTimeout, Message: "x"},
			want:   coreerrors.CodeTimeout,
			wantOK: true,
		},
		{
			name:   "resource error rate limited",
			err:    &coreerrors.ResourceError{Class: coreerrors.RetryClassRateLimit},
			want:   coreerrors.CodeRateLimitExhausted,
			wantOK: true,
		},
		{
			name:   "plain validation error has no code",
			err:    &coreerrors.ValidationError{Message: "x"},
			want:   "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := coreerrors.Code(tt.err)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Code() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
