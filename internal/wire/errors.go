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

import "errors"

// ErrProtocolVersionMismatch is returned when a message's version is
// outside the supported range, or its tag is unrecognized.
var ErrProtocolVersionMismatch = errors.New("wire: protocol version mismatch")

// ErrOutOfOrder is returned by a Reader when a message's seq is not
// greater than the last one observed on the channel.
var ErrOutOfOrder = errors.New("wire: message out of order")
