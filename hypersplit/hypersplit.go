// SPDX-License-Identifier: MIT

// Package hypersplit implements the HyperSplit classification engine: a
// binary k-d-like decision tree built by recursively choosing, at each
// node, the dimension and threshold that minimize the total number of
// rules copied into the two children (a rule straddling the threshold
// is counted in both).
//
// Tree nodes live in a single arena (a []node addressed by int32 index)
// rather than as heap-allocated, pointer-linked structs — this keeps the
// tree cache-local and lets Cleanup release the whole structure by
// dropping one slice.
package hypersplit

import (
	"fmt"
	"runtime"
	"slices"
	"sort"
	"sync"

	"github.com/classbench/mdclassify/classifyerr"
	"github.com/classbench/mdclassify/dims"
	"github.com/classbench/mdclassify/rules"
)

// Options configures the tree-building heuristic.
type Options struct {
	// BinTh is the small-leaf threshold: a node with at most this many
	// rules becomes a leaf without further splitting. Default 8.
	BinTh int

	// MaxDepth bounds recursion; depth beyond this forces a leaf.
	// Default 64.
	MaxDepth int

	// Parallel, when true, builds independent subtrees concurrently
	// once a node's rule subset reaches ParallelThreshold. Subtree
	// jobs share only the arena, which is protected by a mutex.
	Parallel bool

	// ParallelThreshold is the minimum subset size at which a subtree
	// is offloaded to a new goroutine when Parallel is set.
	ParallelThreshold int
}

// DefaultOptions returns the implementation's default tuning.
func DefaultOptions() Options {
	return Options{
		BinTh:             8,
		MaxDepth:          64,
		Parallel:          false,
		ParallelThreshold: 4096,
	}
}

// node is one element of the tree arena. Internal nodes carry a split
// dimension and threshold and two child indices; leaves carry a
// priority-sorted list of candidate rule indices into the Index's rule
// store.
type node struct {
	leaf      bool
	dim       dims.ID
	threshold dims.Value
	left      int32
	right     int32
	leafRules []int32
}

// Index is the built, self-contained HyperSplit decision tree. After
// Build returns, it holds no reference to the RuleSet it was built from.
type Index struct {
	nodes     []node
	ruleStore []rules.RangeRule
	root      int32
}

type arena struct {
	mu    sync.Mutex
	nodes []node
}

func (a *arena) alloc(n node) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := int32(len(a.nodes))
	a.nodes = append(a.nodes, n)
	return idx
}

// Build constructs a decision tree over rs. It returns a BuildFailure
// error if rs is empty.
func Build(rs rules.RangeRuleSet, opts ...Options) (*Index, error) {
	o := DefaultOptions()
	if len(opts) > 0 {
		o = opts[0]
	}

	if len(rs.Rules) == 0 {
		return nil, classifyerr.New(classifyerr.BuildFailure, "", fmt.Errorf("empty rule set"))
	}

	store := slices.Clone(rs.Rules)

	ids := make([]int32, len(store))
	for i := range ids {
		ids[i] = int32(i)
	}

	var cell [dims.Count]rules.Range
	for d := dims.ID(0); d < dims.Count; d++ {
		cell[d] = rules.Range{Low: 0, High: dims.Max(d)}
	}

	a := &arena{}
	var sem chan struct{}
	if o.Parallel {
		sem = make(chan struct{}, max(1, runtime.GOMAXPROCS(0)))
	}

	root := buildNode(a, store, ids, cell, 0, o, sem)

	return &Index{nodes: a.nodes, ruleStore: store, root: root}, nil
}

// buildNode builds the subtree over the rule-id subset ids, whose cell
// (ancestor-intersected bounding box) is cell, at the given depth.
func buildNode(a *arena, store []rules.RangeRule, ids []int32, cell [dims.Count]rules.Range, depth int, o Options, sem chan struct{}) int32 {
	if len(ids) <= o.BinTh || depth > o.MaxDepth {
		return allocLeaf(a, store, ids)
	}

	bestDim, bestT, bestLeft, bestRight, found := chooseSplit(store, ids, cell)
	if !found || (len(bestLeft) == len(ids) && len(bestRight) == len(ids)) {
		return allocLeaf(a, store, ids)
	}

	leftCell := cell
	leftCell[bestDim].High = bestT
	rightCell := cell
	rightCell[bestDim].Low = bestT + 1

	var leftIdx, rightIdx int32
	useGoroutine := o.Parallel && len(ids) >= o.ParallelThreshold && sem != nil

	spawned := false
	if useGoroutine {
		select {
		case sem <- struct{}{}:
			spawned = true
		default:
			// No token free; a blocking acquire here risks deadlock if
			// every token is held by a goroutine itself waiting on this
			// same semaphore further down its own right subtree. Fall
			// back to building the left subtree inline instead.
		}
	}

	if spawned {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			leftIdx = buildNode(a, store, bestLeft, leftCell, depth+1, o, sem)
		}()
		rightIdx = buildNode(a, store, bestRight, rightCell, depth+1, o, sem)
		wg.Wait()
	} else {
		leftIdx = buildNode(a, store, bestLeft, leftCell, depth+1, o, sem)
		rightIdx = buildNode(a, store, bestRight, rightCell, depth+1, o, sem)
	}

	return a.alloc(node{
		leaf:      false,
		dim:       bestDim,
		threshold: bestT,
		left:      leftIdx,
		right:     rightIdx,
	})
}

func allocLeaf(a *arena, store []rules.RangeRule, ids []int32) int32 {
	sorted := slices.Clone(ids)
	sort.Slice(sorted, func(i, j int) bool {
		return store[sorted[i]].Priority < store[sorted[j]].Priority
	})
	return a.alloc(node{leaf: true, leafRules: sorted})
}

// chooseSplit evaluates every candidate (dimension, threshold) pair and
// returns the one minimizing the children-count ratio, with ties broken
// by lower dimension then lower threshold.
func chooseSplit(store []rules.RangeRule, ids []int32, cell [dims.Count]rules.Range) (bestDim dims.ID, bestT dims.Value, bestLeft, bestRight []int32, found bool) {
	// Scanning d and, within d, t in ascending order means the first
	// strictly-better ratio we see is automatically the tie-broken
	// winner: lower dimension first, then lower threshold.
	bestRatio := float64(len(ids)) + 1 // worse than any real ratio (max is 2.0)

	for d := dims.ID(0); d < dims.Count; d++ {
		thresholds := candidateThresholds(store, ids, d, cell[d])
		for _, t := range thresholds {
			left, right := partition(store, ids, d, t)
			ratio := float64(len(left)+len(right)) / float64(len(ids))

			if ratio < bestRatio {
				bestRatio = ratio
				bestDim = d
				bestT = t
				bestLeft = left
				bestRight = right
				found = true
			}
		}
	}

	return bestDim, bestT, bestLeft, bestRight, found
}

// candidateThresholds returns the distinct range endpoints of ids
// projected onto dimension d, clipped to lie strictly inside cell so
// both children receive a non-empty cell.
func candidateThresholds(store []rules.RangeRule, ids []int32, d dims.ID, cell rules.Range) []dims.Value {
	seen := make(map[dims.Value]struct{}, len(ids)*2)
	out := make([]dims.Value, 0, len(ids)*2)

	add := func(v dims.Value) {
		if v < cell.Low || v >= cell.High {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}

	for _, id := range ids {
		r := store[id].Dim[d]
		add(r.Low)
		add(r.High)
	}

	slices.Sort(out)
	return out
}

func partition(store []rules.RangeRule, ids []int32, d dims.ID, t dims.Value) (left, right []int32) {
	for _, id := range ids {
		r := store[id].Dim[d]
		if r.Low <= t {
			left = append(left, id)
		}
		if r.High > t {
			right = append(right, id)
		}
	}
	return left, right
}

// Search descends the tree for pkt and returns the highest-priority
// rule among the leaf's candidates whose every dimension contains the
// packet's value, or false if none match.
func Search(idx *Index, pkt rules.Packet) (rules.Priority, bool) {
	if idx == nil || len(idx.nodes) == 0 {
		return 0, false
	}

	cur := idx.root
	for {
		n := idx.nodes[cur]
		if n.leaf {
			for _, ruleIdx := range n.leafRules {
				r := idx.ruleStore[ruleIdx]
				if r.Matches(pkt) {
					return r.Priority, true
				}
			}
			return 0, false
		}
		if pkt.Dim[n.dim] <= n.threshold {
			cur = n.left
		} else {
			cur = n.right
		}
	}
}

// Cleanup releases the tree's arena and rule store.
func Cleanup(idx *Index) {
	if idx == nil {
		return
	}
	idx.nodes = nil
	idx.ruleStore = nil
}
