// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package atomicext provides compare-and-swap retry loops that the
// built-in atomic package doesn't offer directly. The engine uses these
// for quantities that must only ever move in one direction under
// concurrent writers: revision-indexed "last changed" marks must never
// regress even if two goroutines race to advance them, so a plain
// Store would be unsafe.
package atomicext

import "sync/atomic"

// MaxUint64 atomically sets *ptr to the larger of its current value and
// v, retrying under contention. Used by revision.Clock.ReportChange to
// advance Clock.lastChanged, which must never move backwards.
func MaxUint64(ptr *uint64, v uint64) {
	for {
		before := atomic.LoadUint64(ptr)
		if before >= v {
			return
		}
		if atomic.CompareAndSwapUint64(ptr, before, v) {
			return
		}
	}
}

