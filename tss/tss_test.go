package tss

import (
	"testing"

	"github.com/classbench/mdclassify/dims"
	"github.com/classbench/mdclassify/rules"
)

func wildcardPrefix() rules.Prefix {
	return rules.Prefix{Value: 0, Len: 0}
}

func fullWildcardPrefixRule(priority int) rules.PrefixRule {
	var p rules.PrefixRule
	p.Priority = priority
	for d := dims.ID(0); d < dims.Count; d++ {
		p.Dim[d] = wildcardPrefix()
	}
	return p
}

// Scenario 5: prefix form of the overlapping-SIP rule set, plus an
// extra more-specific /32 rule. Priority is still by id, not
// specificity, so the less specific but lower-id rule wins.
func TestScenarioSpecificityDoesNotOverridePriority(t *testing.T) {
	r0 := fullWildcardPrefixRule(0)
	r0.Dim[dims.SIP] = rules.Prefix{Value: 0x0A000000, Len: 8} // 10.0.0.0/8
	r1 := fullWildcardPrefixRule(1)
	r1.Dim[dims.SIP] = rules.Prefix{Value: 0x0A010000, Len: 16} // 10.1.0.0/16
	r2 := fullWildcardPrefixRule(2)
	r2.Dim[dims.SIP] = rules.Prefix{Value: 0x0A010203, Len: 32} // 10.1.2.3/32

	rs := rules.PrefixRuleSet{Rules: []rules.PrefixRule{r0, r1, r2}}
	idx, err := Build(rs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer Cleanup(idx)

	p := rules.Packet{}
	p.Dim[dims.SIP] = 0x0A010203 // 10.1.2.3

	got, ok := Search(idx, p)
	if !ok || got != 0 {
		t.Errorf("Search = (%d,%v), want (0,true)", got, ok)
	}
}

// Scenario 6: build then insert_update; the new, higher-priority rule
// wins immediately afterward.
func TestInsertUpdateNewRuleWins(t *testing.T) {
	r0 := fullWildcardPrefixRule(0)
	r0.Dim[dims.PROTO] = rules.Prefix{Value: 6, Len: 8}
	r1 := fullWildcardPrefixRule(1)

	rs := rules.PrefixRuleSet{Rules: []rules.PrefixRule{r0, r1}}
	idx, err := Build(rs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer Cleanup(idx)

	p := rules.Packet{}
	p.Dim[dims.PROTO] = 6
	if got, ok := Search(idx, p); !ok || got != 0 {
		t.Fatalf("before update: Search = (%d,%v), want (0,true)", got, ok)
	}

	newRule := fullWildcardPrefixRule(-1)
	newRule.Dim[dims.PROTO] = rules.Prefix{Value: 6, Len: 8}
	delta := rules.PrefixRuleSet{Rules: []rules.PrefixRule{newRule}}
	if err := InsertUpdate(delta, idx); err != nil {
		t.Fatalf("InsertUpdate: %v", err)
	}

	if got, ok := Search(idx, p); !ok || got != -1 {
		t.Errorf("after update: Search = (%d,%v), want (-1,true)", got, ok)
	}
}

// Update monotonicity: a packet that matched r before InsertUpdate
// still matches r afterward, unless delta contains a strictly
// higher-priority rule that also matches.
func TestUpdateMonotonicity(t *testing.T) {
	r0 := fullWildcardPrefixRule(10)
	r0.Dim[dims.DPORT] = rules.Prefix{Value: 80, Len: 16}

	rs := rules.PrefixRuleSet{Rules: []rules.PrefixRule{r0}}
	idx, err := Build(rs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer Cleanup(idx)

	p := rules.Packet{}
	p.Dim[dims.DPORT] = 80

	before, ok := Search(idx, p)
	if !ok || before != 10 {
		t.Fatalf("before update: Search = (%d,%v), want (10,true)", before, ok)
	}

	// A disjoint rule (different dport) must not disturb the match.
	disjoint := fullWildcardPrefixRule(5)
	disjoint.Dim[dims.DPORT] = rules.Prefix{Value: 443, Len: 16}
	if err := InsertUpdate(rules.PrefixRuleSet{Rules: []rules.PrefixRule{disjoint}}, idx); err != nil {
		t.Fatalf("InsertUpdate disjoint: %v", err)
	}
	if after, ok := Search(idx, p); !ok || after != 10 {
		t.Errorf("after disjoint update: Search = (%d,%v), want (10,true)", after, ok)
	}

	// A higher-priority (smaller id) overlapping rule must now win.
	better := fullWildcardPrefixRule(2)
	better.Dim[dims.DPORT] = rules.Prefix{Value: 80, Len: 16}
	if err := InsertUpdate(rules.PrefixRuleSet{Rules: []rules.PrefixRule{better}}, idx); err != nil {
		t.Fatalf("InsertUpdate better: %v", err)
	}
	if after, ok := Search(idx, p); !ok || after != 2 {
		t.Errorf("after better update: Search = (%d,%v), want (2,true)", after, ok)
	}
}

func TestBuildEmptyRuleSetFails(t *testing.T) {
	_, err := Build(rules.PrefixRuleSet{})
	if err == nil {
		t.Fatal("expected a build-failure error for an empty rule set")
	}
}

func TestSearchNoMatch(t *testing.T) {
	r0 := fullWildcardPrefixRule(0)
	r0.Dim[dims.PROTO] = rules.Prefix{Value: 6, Len: 8}

	idx, err := Build(rules.PrefixRuleSet{Rules: []rules.PrefixRule{r0}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer Cleanup(idx)

	p := rules.Packet{}
	p.Dim[dims.PROTO] = 17
	if _, ok := Search(idx, p); ok {
		t.Error("expected no match for a disjoint protocol")
	}
}
