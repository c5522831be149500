// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package persistence

import "sync"

// lockTable hands out one mutex per key, for non-blocking serialization
// of learn cycles within this process. Locks are never evicted; the key
// space is bounded by active (user, model) pairs.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// tryAcquire attempts the lock for key without blocking. On success the
// returned func releases it.
func (t *lockTable) tryAcquire(key string) (release func(), ok bool) {
	t.mu.Lock()
	l, exists := t.locks[key]
	if !exists {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	t.mu.Unlock()

	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}
