// Copyright 2021 Intel Corporation. All Rights Reserved.
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

package ipc

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// NewUniq generates a random segment id for a session's Init call, so
// that two unrelated programs (or two test runs, or two instances of
// the same program started moments apart) never collide by picking the
// same small integer for their /dev/shm/ipc-shm-<uniq> path. Whichever
// process starts a session calls this once and arranges for every
// sibling peer to learn the resulting id (an environment variable, a
// flag, a config file) before calling Init themselves; Init itself
// takes no part in generating it. Folding the uuid down into an int
// keeps the shared-memory path name short instead of carrying the
// full 36-character string.
func NewUniq() int {
	id := uuid.New()
	return int(int32(binary.BigEndian.Uint32(id[:4])))
}
