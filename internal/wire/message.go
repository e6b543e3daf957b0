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

// Package wire implements the worker control channel: a tagged union of
// messages exchanged between a supervisor and an isolated-mode worker
// process over a line-delimited JSON stream.
package wire

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// CurrentVersion is the protocol version this package emits.
// Supervisors accept version 1 (treating missing fields as undefined)
// and reject anything newer with PROTOCOL_VERSION_MISMATCH.
const CurrentVersion = 2

// MinSupportedVersion is the oldest version a supervisor will accept.
const MinSupportedVersion = 1

// Tag identifies the kind of control-channel message.
type Tag string

const (
	// TagReady: worker -> supervisor. Worker booted, ready for RUN.
	TagReady Tag = "READY"
	// TagRun: supervisor -> worker. Carries the invocation.
	TagRun Tag = "RUN"
	// TagLog: worker -> supervisor. Structured log line.
	TagLog Tag = "LOG"
	// TagOK: worker -> supervisor. Successful completion.
	TagOK Tag = "OK"
	// TagErr: worker -> supervisor. Failed completion.
	TagErr Tag = "ERR"
	// TagCrash: worker -> supervisor. Terminal self-report with
	// diagnostic attachments (e.g. a pre-OOM detector).
	TagCrash Tag = "CRASH"
)

// Message is the envelope every control-channel frame is encoded as.
// Exactly one of the payload fields is populated, selected by Tag.
type Message struct {
	Tag     Tag   `json:"tag"`
	Version int   `json:"version"`
	Seq     uint64 `json:"seq"`

	Run   *RunPayload   `json:"run,omitempty"`
	Log   *LogPayload   `json:"log,omitempty"`
	OK    *OKPayload    `json:"ok,omitempty"`
	Err   *ErrPayload   `json:"err,omitempty"`
	Crash *CrashPayload `json:"crash,omitempty"`
}

// RunPayload carries the invocation handed to a READY worker.
type RunPayload struct {
	Handler           string          `json:"handler"`
	SerializedInput   json.RawMessage `json:"serializedInput"`
	SerializedContext json.RawMessage `json:"serializedContext"`
}

// LogPayload is one structured log line emitted by the worker.
type LogPayload struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
	TS      string         `json:"ts"`
}

// OKPayload carries the handler's successful return value.
type OKPayload struct {
	Data json.RawMessage `json:"data"`
}

// ErrPayload carries the handler's failure.
type ErrPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// CrashPayload is a terminal self-report with diagnostic attachments.
type CrashPayload struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	HeapSnapshotPath string `json:"heapSnapshotPath,omitempty"`
	TracePath        string `json:"tracePath,omitempty"`
}

// seqCounter assigns monotonically increasing seq numbers for one side
// of one control channel. Safe for concurrent use: a worker may emit
// LOG frames from multiple goroutines on the same channel.
type seqCounter struct {
	next atomic.Uint64
}

func (c *seqCounter) nextSeq() uint64 {
	return c.next.Add(1)
}

// NewReady builds a READY message.
func NewReady(seq *seqCounter) Message {
	return Message{Tag: TagReady, Version: CurrentVersion, Seq: seq.nextSeq()}
}

// NewRun builds a RUN message.
func NewRun(seq *seqCounter, payload RunPayload) Message {
	return Message{Tag: TagRun, Version: CurrentVersion, Seq: seq.nextSeq(), Run: &payload}
}

// NewLog builds a LOG message.
func NewLog(seq *seqCounter, payload LogPayload) Message {
	return Message{Tag: TagLog, Version: CurrentVersion, Seq: seq.nextSeq(), Log: &payload}
}

// NewOK builds an OK message.
func NewOK(seq *seqCounter, data json.RawMessage) Message {
	return Message{Tag: TagOK, Version: CurrentVersion, Seq: seq.nextSeq(), OK: &OKPayload{Data: data}}
}

// NewErr builds an ERR message.
func NewErr(seq *seqCounter, code, message, stack string) Message {
	return Message{
		Tag: TagErr, Version: CurrentVersion, Seq: seq.nextSeq(),
		Err: &ErrPayload{Code: code, Message: message, Stack: stack},
	}
}

// NewCrash builds a CRASH message.
func NewCrash(seq *seqCounter, payload CrashPayload) Message {
	return Message{Tag: TagCrash, Version: CurrentVersion, Seq: seq.nextSeq(), Crash: &payload}
}

// NewSeqCounter returns a fresh per-channel sequence counter.
func NewSeqCounter() *seqCounter {
	return &seqCounter{}
}

// NewInvocationID returns a fresh correlation id for one HandlerInvocation,
// threaded through logs/traces/crash-report filenames.
func NewInvocationID() string {
	return uuid.New().String()
}

// Validate checks that m is well-formed and version-compatible.
// Version 1 messages are accepted; missing optional fields are treated
// as undefined rather than errors. Versions above CurrentVersion are
// rejected with ErrProtocolVersionMismatch. Unknown tags are rejected
// the same way: they cause PROTOCOL_VERSION_MISMATCH and termination.
func (m Message) Validate() error {
	if m.Version < MinSupportedVersion {
		return fmt.Errorf("%w: version %d below minimum %d", ErrProtocolVersionMismatch, m.Version, MinSupportedVersion)
	}
	if m.Version > CurrentVersion {
		return fmt.Errorf("%w: version %d above current %d", ErrProtocolVersionMismatch, m.Version, CurrentVersion)
	}

	switch m.Tag {
	case TagReady, TagRun, TagLog, TagOK, TagErr, TagCrash:
		return nil
	default:
		return fmt.Errorf("%w: unknown tag %q", ErrProtocolVersionMismatch, m.Tag)
	}
}
