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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeMessageText(t *testing.T) {
	t.Run("zero width spaces only", func(t *testing.T) {
		require.Empty(t, normalizeMessageText("\u200b \u200b\t\n"))
	})
	t.Run("keeps inner text", func(t *testing.T) {
		require.Equal(t, "hello  world", normalizeMessageText("\u200bhello \u200bworld "))
	})
}

func TestMediaSectionCount(t *testing.T) {
	raw := "v=0\r\n" +
		"o=- 0 0 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:1\r\n"

	count, err := mediaSectionCount(raw)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	_, err = mediaSectionCount("not sdp")
	require.Error(t, err)
}

func TestRemoveString(t *testing.T) {
	list, ok := removeString([]string{"a", "b", "c"}, "b")
	require.True(t, ok)
	require.Equal(t, []string{"a", "c"}, list)

	list, ok = removeString(list, "b")
	require.False(t, ok)
	require.Equal(t, []string{"a", "c"}, list)
}
