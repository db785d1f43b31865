// SPDX-License-Identifier: MIT

// Package engine defines the capability set the evaluation driver
// dispatches through, and a small table of constructors selecting the
// concrete engine by integer id, so cmd/classify never special-cases a
// concrete engine type.
package engine

import (
	"fmt"

	"github.com/classbench/mdclassify/classifyerr"
	"github.com/classbench/mdclassify/hypersplit"
	"github.com/classbench/mdclassify/ingest"
	"github.com/classbench/mdclassify/rules"
	"github.com/classbench/mdclassify/tss"
)

// Engine is the capability set every classification engine implements:
// load rules, build, insert_update, search, cleanup.
type Engine interface {
	// Name identifies the engine for diagnostics.
	Name() string

	// Build loads a rule file in the engine's native format and
	// constructs its index.
	Build(path string) error

	// InsertUpdate loads an update rule file and incorporates it into
	// the already-built index.
	InsertUpdate(path string) error

	// Search evaluates pkt against the built index.
	Search(pkt rules.Packet) (rules.Priority, bool)

	// Cleanup releases the index.
	Cleanup()
}

// ID selects an engine: 0 is HyperSplit, 1 is TSS.
type ID int

const (
	HyperSplit ID = 0
	TSS        ID = 1
)

// ByID constructs the engine named by id.
func ByID(id ID) (Engine, error) {
	ctor, ok := constructors[id]
	if !ok {
		return nil, classifyerr.New(classifyerr.BuildFailure, "", fmt.Errorf("unknown engine id %d", id))
	}
	return ctor(), nil
}

var constructors = map[ID]func() Engine{
	HyperSplit: func() Engine { return &hyperSplitEngine{} },
	TSS:        func() Engine { return &tssEngine{} },
}

type hyperSplitEngine struct {
	idx *hypersplit.Index
}

func (e *hyperSplitEngine) Name() string { return "hypersplit" }

func (e *hyperSplitEngine) Build(path string) error {
	rs, err := ingest.LoadRangeRules(path)
	if err != nil {
		return err
	}
	idx, err := hypersplit.Build(rs)
	if err != nil {
		return err
	}
	e.idx = idx
	return nil
}

// InsertUpdate has no incremental form for HyperSplit: an update rule
// file must be re-merged and the whole tree rebuilt, since a single
// split choice can depend on any rule in the set.
func (e *hyperSplitEngine) InsertUpdate(path string) error {
	return classifyerr.New(classifyerr.BuildFailure, path,
		fmt.Errorf("hypersplit has no incremental update; rebuild with the merged rule set"))
}

func (e *hyperSplitEngine) Search(pkt rules.Packet) (rules.Priority, bool) {
	return hypersplit.Search(e.idx, pkt)
}

func (e *hyperSplitEngine) Cleanup() {
	hypersplit.Cleanup(e.idx)
	e.idx = nil
}

type tssEngine struct {
	idx *tss.Index
}

func (e *tssEngine) Name() string { return "tss" }

func (e *tssEngine) Build(path string) error {
	rs, err := ingest.LoadPrefixRules(path)
	if err != nil {
		return err
	}
	idx, err := tss.Build(rs)
	if err != nil {
		return err
	}
	e.idx = idx
	return nil
}

func (e *tssEngine) InsertUpdate(path string) error {
	rs, err := ingest.LoadPrefixRules(path)
	if err != nil {
		return err
	}
	return tss.InsertUpdate(rs, e.idx)
}

func (e *tssEngine) Search(pkt rules.Packet) (rules.Priority, bool) {
	return tss.Search(e.idx, pkt)
}

func (e *tssEngine) Cleanup() {
	tss.Cleanup(e.idx)
	e.idx = nil
}
