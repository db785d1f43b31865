// SPDX-License-Identifier: MIT

// Package tss implements the Tuple-Space-Search classification engine:
// rules are grouped into buckets keyed by the vector of per-dimension
// prefix lengths they share, and each bucket is a hash table keyed by
// the packet's five-tuple masked to that bucket's lengths.
package tss

import (
	"fmt"
	"sort"

	"github.com/classbench/mdclassify/classifyerr"
	"github.com/classbench/mdclassify/dims"
	"github.com/classbench/mdclassify/rules"
)

// Tuple is the vector of per-dimension prefix lengths that identifies a
// bucket: (l_SIP, l_DIP, l_SPORT, l_DPORT, l_PROTO).
type Tuple [dims.Count]int

// entry is one chain element: the masked key it was filed under need
// not be stored since map lookup already proved equality; only the
// priority and a copy of the original rule are kept. Search reports
// the priority only.
type entry struct {
	priority rules.Priority
	rule     rules.PrefixRule
}

// bucket is the hash table for one tuple: a key->chain map, each chain
// kept sorted by ascending priority so lookup can stop at the first
// (highest-priority) hit.
type bucket struct {
	tuple Tuple
	table map[[dims.Count]dims.Value][]entry
}

func newBucket(t Tuple) *bucket {
	return &bucket{tuple: t, table: make(map[[dims.Count]dims.Value][]entry)}
}

func (b *bucket) maskedKey(pr rules.PrefixRule) [dims.Count]dims.Value {
	var key [dims.Count]dims.Value
	for d := dims.ID(0); d < dims.Count; d++ {
		key[d] = pr.Dim[d].Value & dims.Mask(d, b.tuple[d])
	}
	return key
}

func (b *bucket) maskedPacketKey(pkt rules.Packet) [dims.Count]dims.Value {
	var key [dims.Count]dims.Value
	for d := dims.ID(0); d < dims.Count; d++ {
		key[d] = pkt.Dim[d] & dims.Mask(d, b.tuple[d])
	}
	return key
}

// insert files pr into the bucket's chain for its masked key, keeping
// the chain sorted by ascending priority.
func (b *bucket) insert(pr rules.PrefixRule) {
	key := b.maskedKey(pr)
	chain := b.table[key]
	chain = append(chain, entry{priority: pr.Priority, rule: pr})
	sort.Slice(chain, func(i, j int) bool { return chain[i].priority < chain[j].priority })
	b.table[key] = chain
}

// Index is the built, self-contained TSS structure.
type Index struct {
	buckets map[Tuple]*bucket
	order   []Tuple // insertion order, for deterministic Cleanup/iteration
	size    int
}

func tupleOf(pr rules.PrefixRule) Tuple {
	var t Tuple
	for d := dims.ID(0); d < dims.Count; d++ {
		t[d] = pr.Dim[d].Len
	}
	return t
}

func newIndex() *Index {
	return &Index{
		buckets: make(map[Tuple]*bucket),
	}
}

// getOrCreateBucket locates the bucket for t, creating and registering
// it if this is the first rule seen with this tuple.
func (idx *Index) getOrCreateBucket(t Tuple) *bucket {
	b, ok := idx.buckets[t]
	if !ok {
		b = newBucket(t)
		idx.buckets[t] = b
		idx.order = append(idx.order, t)
	}
	return b
}

// Build groups rs by tuple and inserts every rule into its bucket.
func Build(rs rules.PrefixRuleSet) (*Index, error) {
	if len(rs.Rules) == 0 {
		return nil, classifyerr.New(classifyerr.BuildFailure, "", fmt.Errorf("empty rule set"))
	}

	idx := newIndex()
	for _, pr := range rs.Rules {
		b := idx.getOrCreateBucket(tupleOf(pr))
		b.insert(pr)
		idx.size++
	}
	return idx, nil
}

// InsertUpdate adds delta's rules into the existing index, locating or
// creating each rule's tuple bucket and preserving the priority-sorted
// chain invariant. This is a genuine incremental insert: it never
// rebuilds buckets that are unaffected by delta, unlike a call to
// Build on the union of old and new rules.
func InsertUpdate(delta rules.PrefixRuleSet, idx *Index) error {
	if idx == nil {
		return classifyerr.New(classifyerr.BuildFailure, "", fmt.Errorf("nil index"))
	}
	for _, pr := range delta.Rules {
		b := idx.getOrCreateBucket(tupleOf(pr))
		b.insert(pr)
		idx.size++
	}
	return nil
}

// Search probes every bucket and returns the lowest-priority (highest
// precedence) rule whose masked key equals the packet's key masked the
// same way, or false if no bucket has a match.
func Search(idx *Index, pkt rules.Packet) (rules.Priority, bool) {
	if idx == nil {
		return 0, false
	}

	best := 0
	found := false

	for _, t := range idx.order {
		b := idx.buckets[t]
		key := b.maskedPacketKey(pkt)
		chain, ok := b.table[key]
		if !ok || len(chain) == 0 {
			continue
		}
		// chain is sorted ascending by priority, so its head is the
		// best candidate this bucket can offer.
		if !found || chain[0].priority < best {
			best = chain[0].priority
			found = true
		}
	}

	return best, found
}

// Cleanup releases all buckets and chains.
func Cleanup(idx *Index) {
	if idx == nil {
		return
	}
	idx.buckets = nil
	idx.order = nil
}

// Size reports the number of rules inserted into idx, across all
// buckets, counting InsertUpdate insertions.
func Size(idx *Index) int {
	if idx == nil {
		return 0
	}
	return idx.size
}
