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

package execution

import (
	"crypto/rand"
	"encoding/hex"
)

// idLength is the length of an execution ID: a 24-character hex string.
// The ID is opaque at every boundary; stores may convert to a native type.
const idLength = 24

// NewID returns a fresh 24-hex execution identifier.
func NewID() string {
	buf := make([]byte, idLength/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// IsValidID reports whether s is a well-formed execution identifier.
func IsValidID(s string) bool {
	if len(s) != idLength {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
