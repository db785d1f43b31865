// SPDX-License-Identifier: MIT

// Package ingest parses Classbench-style rule files and packet traces
// into the record shapes defined by package rules. Parsing is the only
// place file I/O happens; once a RuleSet or trace is returned, the
// caller owns a self-contained, file-independent value.
package ingest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/classbench/mdclassify/classifyerr"
	"github.com/classbench/mdclassify/dims"
	"github.com/classbench/mdclassify/rules"
)

// RuleMax and PktMax are the fixed capacity caps enforced while scanning
// rule and trace files.
const (
	RuleMax = 1 << 20
	PktMax  = 1 << 20
)

// LoadRangeRules parses a Classbench range-format rule file into the
// range-rule shape HyperSplit consumes.
//
//	@A.B.C.D/m E.F.G.H/m sp_lo : sp_hi dp_lo : dp_hi PP/MM id
func LoadRangeRules(path string) (rules.RangeRuleSet, error) {
	var rs rules.RangeRuleSet

	err := scanLines(path, RuleMax, func(line string, lineNo int) error {
		fields := strings.Fields(line)
		if len(fields) != 10 {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo,
				fmt.Errorf("expected 10 fields, got %d", len(fields)))
		}

		var rr rules.RangeRule

		sipLo, sipHi, err := parseIPPrefixRange(fields[0])
		if err != nil {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
		}
		rr.Dim[dims.SIP] = rules.Range{Low: sipLo, High: sipHi}

		dipLo, dipHi, err := parseIPPrefixRange(fields[1])
		if err != nil {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
		}
		rr.Dim[dims.DIP] = rules.Range{Low: dipLo, High: dipHi}

		spLo, spHi, err := parsePortRange(fields[2], fields[3], fields[4])
		if err != nil {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
		}
		rr.Dim[dims.SPORT] = rules.Range{Low: spLo, High: spHi}

		dpLo, dpHi, err := parsePortRange(fields[5], fields[6], fields[7])
		if err != nil {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
		}
		rr.Dim[dims.DPORT] = rules.Range{Low: dpLo, High: dpHi}

		protoLo, protoHi, err := parseProtoRange(fields[8])
		if err != nil {
			return classifyerr.NewLine(classifyerr.UnsupportedMask, path, lineNo, err)
		}
		rr.Dim[dims.PROTO] = rules.Range{Low: protoLo, High: protoHi}

		id, err := parseRuleID(fields[len(fields)-1])
		if err != nil {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
		}
		rr.Priority = id - 1

		rs.Rules = append(rs.Rules, rr)
		return nil
	})
	if err != nil {
		return rules.RangeRuleSet{}, err
	}
	return rs, nil
}

// LoadPrefixRules parses a Classbench prefix-format rule file into the
// prefix-rule shape TSS consumes.
//
//	@A.B.C.D/m E.F.G.H/m sport/mlen dport/mlen PP/MM id
func LoadPrefixRules(path string) (rules.PrefixRuleSet, error) {
	var rs rules.PrefixRuleSet

	err := scanLines(path, RuleMax, func(line string, lineNo int) error {
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo,
				fmt.Errorf("expected 6 fields, got %d", len(fields)))
		}

		var pr rules.PrefixRule

		sip, sipLen, err := parseIPPrefixValue(fields[0])
		if err != nil {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
		}
		pr.Dim[dims.SIP] = rules.Prefix{Value: sip, Len: sipLen}

		dip, dipLen, err := parseIPPrefixValue(fields[1])
		if err != nil {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
		}
		pr.Dim[dims.DIP] = rules.Prefix{Value: dip, Len: dipLen}

		sport, sportLen, err := parseValueLen(fields[2], dims.SPORT)
		if err != nil {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
		}
		pr.Dim[dims.SPORT] = rules.Prefix{Value: sport, Len: sportLen}

		dport, dportLen, err := parseValueLen(fields[3], dims.DPORT)
		if err != nil {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
		}
		pr.Dim[dims.DPORT] = rules.Prefix{Value: dport, Len: dportLen}

		proto, protoLen, err := parseProtoValueLen(fields[4])
		if err != nil {
			return classifyerr.NewLine(classifyerr.UnsupportedMask, path, lineNo, err)
		}
		pr.Dim[dims.PROTO] = rules.Prefix{Value: proto, Len: protoLen}

		id, err := parseRuleID(fields[len(fields)-1])
		if err != nil {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
		}
		pr.Priority = id - 1

		rs.Rules = append(rs.Rules, pr)
		return nil
	})
	if err != nil {
		return rules.PrefixRuleSet{}, err
	}
	return rs, nil
}

// LoadTrace parses a packet trace: SIP DIP SPORT DPORT PROTO
// expected_rule_id, one packet per line. An expected_rule_id of 0
// records that no rule is expected to match.
func LoadTrace(path string) ([]rules.Packet, error) {
	var pkts []rules.Packet

	err := scanLines(path, PktMax, func(line string, lineNo int) error {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo,
				fmt.Errorf("expected 6 fields, got %d", len(fields)))
		}

		var pkt rules.Packet
		for i, d := range [...]dims.ID{dims.SIP, dims.DIP, dims.SPORT, dims.DPORT, dims.PROTO} {
			v, err := parseUint(fields[i])
			if err != nil {
				return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo, err)
			}
			pkt.Dim[d] = dims.Clamp(d, dims.Value(v))
		}

		id, err := strconv.Atoi(fields[5])
		if err != nil || id < 0 {
			return classifyerr.NewLine(classifyerr.ParseFormat, path, lineNo,
				fmt.Errorf("malformed rule id %q", fields[5]))
		}
		pkt.Expected = id - 1
		pkt.HasMatch = id > 0

		pkts = append(pkts, pkt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pkts, nil
}

// RangeFromPrefix converts a single prefix rule to the range-rule shape.
func RangeFromPrefix(p rules.PrefixRule) rules.RangeRule {
	return p.ToRange()
}

// ConvertRuleSet converts an entire prefix rule set to range form.
func ConvertRuleSet(prs rules.PrefixRuleSet) rules.RangeRuleSet {
	var rs rules.RangeRuleSet
	rs.Rules = make([]rules.RangeRule, len(prs.Rules))
	for i, p := range prs.Rules {
		rs.Rules[i] = p.ToRange()
	}
	return rs
}

// scanLines opens path, feeds each non-empty, non-comment line to fn
// along with its 1-based line number, and enforces cap on the number of
// accepted lines. The file is always closed on return, including on
// error, via defer.
func scanLines(path string, cap int, fn func(line string, lineNo int) error) error {
	f, err := os.Open(path)
	if err != nil {
		return classifyerr.New(classifyerr.FileOpen, path, err)
	}
	defer f.Close()

	accepted := 0
	lineNo := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if accepted >= cap {
			return classifyerr.NewLine(classifyerr.CapacityExceeded, path, lineNo,
				fmt.Errorf("exceeded capacity of %d entries", cap))
		}
		if err := fn(line, lineNo); err != nil {
			return err
		}
		accepted++
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return classifyerr.New(classifyerr.FileOpen, path, err)
	}
	return nil
}

// parseIPPrefixRange parses "A.B.C.D/m" into an inclusive [low, high]
// range: low = ip &^ (2^(32-m) - 1), high = ip | (2^(32-m) - 1).
func parseIPPrefixRange(field string) (low, high dims.Value, err error) {
	field = strings.TrimPrefix(field, "@")
	addr, m, err := splitIPMask(field)
	if err != nil {
		return 0, 0, err
	}
	if m > 32 {
		m = 32
	}
	hostBits := 32 - m
	var free dims.Value
	if hostBits >= 32 {
		free = 0xFFFFFFFF
	} else if hostBits > 0 {
		free = (dims.Value(1) << uint(hostBits)) - 1
	}
	low = addr &^ free
	high = addr | free
	return low, high, nil
}

// parseIPPrefixValue parses "A.B.C.D/m" into a masked value and length.
func parseIPPrefixValue(field string) (value dims.Value, length int, err error) {
	field = strings.TrimPrefix(field, "@")
	addr, m, err := splitIPMask(field)
	if err != nil {
		return 0, 0, err
	}
	if m > 32 {
		m = 32
	}
	return addr & dims.Mask(dims.SIP, m), m, nil
}

func splitIPMask(field string) (addr dims.Value, prefixLen int, err error) {
	parts := strings.SplitN(field, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed ip/mask %q", field)
	}
	ip, err := parseDottedIP(parts[0])
	if err != nil {
		return 0, 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 {
		return 0, 0, fmt.Errorf("malformed prefix length %q", parts[1])
	}
	return ip, m, nil
}

func parseDottedIP(s string) (dims.Value, error) {
	octets := strings.Split(s, ".")
	if len(octets) != 4 {
		return 0, fmt.Errorf("malformed ipv4 address %q", s)
	}
	var v dims.Value
	for _, o := range octets {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 || n > 255 {
			return 0, fmt.Errorf("malformed ipv4 octet %q in %q", o, s)
		}
		v = v<<8 | dims.Value(n)
	}
	return v, nil
}

// parsePortRange parses "lo : hi" (as three whitespace-split fields) into
// an inclusive range, swapped if out of order.
func parsePortRange(lo, sep, hi string) (low, high dims.Value, err error) {
	if sep != ":" {
		return 0, 0, fmt.Errorf("expected ':' between port bounds, got %q", sep)
	}
	l, err := parseUint(lo)
	if err != nil {
		return 0, 0, err
	}
	h, err := parseUint(hi)
	if err != nil {
		return 0, 0, err
	}
	low, high = dims.Clamp(dims.SPORT, dims.Value(l)), dims.Clamp(dims.SPORT, dims.Value(h))
	if low > high {
		low, high = high, low
	}
	return low, high, nil
}

// parseProtoRange parses "PP/MM" hex protocol+mask into an inclusive
// range; only mask 0xFF (exact) and 0x00 (wildcard) are accepted.
func parseProtoRange(field string) (low, high dims.Value, err error) {
	proto, mask, err := splitHexMask(field)
	if err != nil {
		return 0, 0, err
	}
	switch mask {
	case 0xFF:
		return proto, proto, nil
	case 0x00:
		return 0, 0xFF, nil
	default:
		return 0, 0, fmt.Errorf("unsupported protocol mask %#x, only 0xff and 0x00 are accepted", mask)
	}
}

func parseProtoValueLen(field string) (value dims.Value, length int, err error) {
	proto, mask, err := splitHexMask(field)
	if err != nil {
		return 0, 0, err
	}
	switch mask {
	case 0xFF:
		return proto, 8, nil
	case 0x00:
		return 0, 0, nil
	default:
		return 0, 0, fmt.Errorf("unsupported protocol mask %#x, only 0xff and 0x00 are accepted", mask)
	}
}

func splitHexMask(field string) (value, mask dims.Value, err error) {
	parts := strings.SplitN(field, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed proto/mask %q", field)
	}
	v, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed protocol byte %q", parts[0])
	}
	m, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed protocol mask %q", parts[1])
	}
	return dims.Value(v), dims.Value(m), nil
}

// parseValueLen parses "value/mlen" for a 16-bit port dimension.
func parseValueLen(field string, d dims.ID) (value dims.Value, length int, err error) {
	parts := strings.SplitN(field, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed value/mlen %q", field)
	}
	v, err := parseUint(parts[0])
	if err != nil {
		return 0, 0, err
	}
	l, err := strconv.Atoi(parts[1])
	if err != nil || l < 0 || l > dims.Width[d] {
		return 0, 0, fmt.Errorf("malformed prefix length %q for %s", parts[1], d)
	}
	return dims.Clamp(d, dims.Value(v)) & dims.Mask(d, l), l, nil
}

func parseRuleID(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("malformed rule id %q", s)
	}
	return n, nil
}

func parseUint(s string) (uint64, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, base, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed unsigned integer %q", s)
	}
	return n, nil
}
