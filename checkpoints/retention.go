/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package checkpoints

import "sort"

// retentionSet is the bounded set of retained checkpoint records, ordered by
// epoch. Insertion evicts the oldest-by-epoch record once the bound is
// exceeded, except the current best record, which is only ever superseded by
// a better one -- never evicted by the interval policy.
type retentionSet struct {
	keep           int
	higherIsBetter bool

	records []*Record
	best    *Record
}

func newRetentionSet(keep int, higherIsBetter bool) *retentionSet {
	return &retentionSet{keep: keep, higherIsBetter: higherIsBetter}
}

// add inserts the record, updates the best pointer when the record carries an
// improving validation metric, and returns the records evicted to restore
// the size bound.
func (r *retentionSet) add(record *Record) (evicted []*Record) {
	r.records = append(r.records, record)
	sort.Slice(r.records, func(i, j int) bool { return r.records[i].Epoch < r.records[j].Epoch })

	if record.ValidationMetric != nil && r.improves(*record.ValidationMetric) {
		r.best = record
	}

	for len(r.records) > r.keep {
		idx := 0
		if r.records[idx] == r.best {
			idx++
		}
		if idx >= len(r.records) {
			break
		}
		evicted = append(evicted, r.records[idx])
		r.records = append(r.records[:idx], r.records[idx+1:]...)
	}
	return evicted
}

// improves reports whether metric beats the current best under the configured
// comparison.
func (r *retentionSet) improves(metric float64) bool {
	if r.best == nil || r.best.ValidationMetric == nil {
		return true
	}
	if r.higherIsBetter {
		return metric > *r.best.ValidationMetric
	}
	return metric < *r.best.ValidationMetric
}

func (r *retentionSet) isBest(record *Record) bool {
	return r.best != nil && r.best == record
}

// size returns the current number of retained records.
func (r *retentionSet) size() int { return len(r.records) }
