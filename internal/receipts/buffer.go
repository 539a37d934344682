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

package receipts

import (
	"sync"

	"github.com/ankitsinghbisht8/CRM-with-JWT/internal/models"
)

// Buffer holds parsed receipts between the read loop and the flush loop.
// All access goes through its mutex.
type Buffer struct {
	mu      sync.Mutex
	updates []models.DeliveryUpdate
}

// Add appends updates and returns the new length.
func (b *Buffer) Add(updates ...models.DeliveryUpdate) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, updates...)
	return len(b.updates)
}

// Drain removes and returns everything in the buffer.
func (b *Buffer) Drain() []models.DeliveryUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.updates
	b.updates = nil
	return out
}

// PushFront puts a failed batch back ahead of anything added since it was
// drained.
func (b *Buffer) PushFront(updates []models.DeliveryUpdate) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := make([]models.DeliveryUpdate, 0, len(updates)+len(b.updates))
	merged = append(merged, updates...)
	b.updates = append(merged, b.updates...)
	return len(b.updates)
}

// Len returns the number of buffered updates.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.updates)
}
