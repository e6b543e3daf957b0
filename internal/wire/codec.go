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

package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Writer serializes Messages as line-delimited JSON onto an io.Writer.
// Safe for concurrent use; writes are serialized under a mutex so two
// goroutines emitting LOG frames never interleave a partial line.
type Writer struct {
	mu  sync.Mutex
	w   *bufio.Writer
	seq *seqCounter
}

// NewWriter wraps w. The returned Writer owns its own seq counter,
// matching the "monotonically increasing seq assigned by the sender"
// rule for one side of one channel.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w), seq: NewSeqCounter()}
}

// Seq exposes the writer's sequence counter so callers can build
// messages with New{Ready,Run,Log,OK,Err,Crash} before sending them.
func (wtr *Writer) Seq() *seqCounter {
	return wtr.seq
}

// Send encodes m as one JSON line and flushes it.
func (wtr *Writer) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}

	wtr.mu.Lock()
	defer wtr.mu.Unlock()

	if _, err := wtr.w.Write(data); err != nil {
		return fmt.Errorf("wire: write message: %w", err)
	}
	if err := wtr.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("wire: write newline: %w", err)
	}
	return wtr.w.Flush()
}

// Reader decodes line-delimited JSON Messages from an io.Reader,
// enforcing §5's per-channel ordering guarantee: messages are observed
// in emission order, i.e. strictly increasing seq.
type Reader struct {
	sc      *bufio.Scanner
	lastSeq uint64
	started bool
}

// NewReader wraps r with a generous line buffer (control messages can
// carry serialized handler output, which may be large).
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{sc: sc}
}

// Next reads and validates the next message. Returns io.EOF when the
// underlying stream is exhausted cleanly.
func (rd *Reader) Next() (Message, error) {
	if !rd.sc.Scan() {
		if err := rd.sc.Err(); err != nil {
			return Message{}, fmt.Errorf("wire: read message: %w", err)
		}
		return Message{}, io.EOF
	}

	var m Message
	if err := json.Unmarshal(rd.sc.Bytes(), &m); err != nil {
		return Message{}, fmt.Errorf("wire: unmarshal message: %w", err)
	}

	if err := m.Validate(); err != nil {
		return Message{}, err
	}

	if rd.started && m.Seq <= rd.lastSeq {
		return Message{}, fmt.Errorf("%w: got seq %d after %d", ErrOutOfOrder, m.Seq, rd.lastSeq)
	}
	rd.started = true
	rd.lastSeq = m.Seq

	return m, nil
}
