// Copyright (c) 2026 John Earle
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

package storage

import (
	"strings"
	"testing"
	"time"
)

func TestAttachmentKey(t *testing.T) {
	now := time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC)
	key := AttachmentKey("user-1", "msg-1", "att-1", "Lieferschein 99.pdf", now)

	want := "inbound/user-1/2026/03/msg-1/att-1_1772884800_Lieferschein_99.pdf"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
}

func TestAttachmentKeySanitizesTraversal(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	key := AttachmentKey("user-1", "msg/../1", "att-1", "../../etc/passwd", now)

	if strings.Contains(key, "..//") || strings.Contains(strings.TrimPrefix(key, "inbound/"), "../") {
		t.Errorf("key contains traversal segment: %q", key)
	}
}
