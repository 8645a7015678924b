// Copyright 2023 LiveKit, Inc.
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

package confsdk

import (
	"slices"
	"strings"

	"github.com/pion/sdp/v3"
)

const zeroWidthSpace = "\u200b"

// normalizeMessageText treats zero width spaces as whitespace before trimming.
func normalizeMessageText(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, zeroWidthSpace, " "))
}

// mediaSectionCount returns the number of m= sections in a session description.
func mediaSectionCount(raw string) (int, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return 0, err
	}
	return len(parsed.MediaDescriptions), nil
}

func removeString(list []string, s string) ([]string, bool) {
	idx := slices.Index(list, s)
	if idx < 0 {
		return list, false
	}
	return slices.Delete(list, idx, idx+1), true
}
