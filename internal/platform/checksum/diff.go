package checksum

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

// Verbosity levels for Diff.
const (
	// VerbosityCounts reports counts of changed resources only.
	VerbosityCounts = 0
	// VerbositySameCounts adds counts of unchanged resources.
	VerbositySameCounts = 1
	// VerbosityChangedIDs lists identities of changed resources.
	VerbosityChangedIDs = 2
	// VerbosityAllIDs also lists identities of unchanged resources.
	VerbosityAllIDs = 3
)

// Entry is one resource of a repository version as seen by Diff.
type Entry struct {
	Identity string
	ID       string
	Retired  bool
	Standard string
	Smart    string
}

// Section is one diff category. It renders as a bare count unless
// identities were requested.
type Section struct {
	Total int
	IDs   []string
}

func (s Section) MarshalJSON() ([]byte, error) {
	if s.IDs == nil {
		return json.Marshal(s.Total)
	}
	return json.Marshal(struct {
		Total int      `json:"total"`
		IDs   []string `json:"ids"`
	}{s.Total, s.IDs})
}

// DiffResult classifies the resources of two repository versions.
type DiffResult struct {
	New            Section  `json:"new"`
	Removed        Section  `json:"removed"`
	ChangedTotal   int      `json:"changed_total"`
	ChangedRetired Section  `json:"changed_retired"`
	ChangedMajor   Section  `json:"changed_major"`
	ChangedMinor   Section  `json:"changed_minor"`
	SameTotal      *int     `json:"same_total,omitempty"`
	SameMinor      *Section `json:"same_minor,omitempty"`
	SameMajor      *Section `json:"same_major,omitempty"`
}

type entryMap map[string]Entry

func (m entryMap) keys() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func split(entries []Entry) (active, retired entryMap) {
	active, retired = entryMap{}, entryMap{}
	for _, e := range entries {
		if e.Retired {
			retired[e.Identity] = e
		} else {
			active[e.Identity] = e
		}
	}
	return active, retired
}

// Diff compares an older and a newer set of resources keyed by identity.
// A resource whose smart checksum changed is a major change; one where only
// the standard checksum changed is minor. Resources newly retired are
// reported separately and never as removed.
func Diff(older, newer []Entry, verbosity int) *DiffResult {
	active1, retired1 := split(older)
	active2, retired2 := split(newer)

	var added, removed, newlyRetired, major, minor, same []string
	for _, k := range active2.keys() {
		if _, ok := active1[k]; !ok {
			added = append(added, k)
		}
	}
	retiredSet := map[string]bool{}
	for _, k := range retired2.keys() {
		if _, ok := retired1[k]; !ok {
			newlyRetired = append(newlyRetired, k)
			retiredSet[k] = true
		}
	}
	for _, k := range active1.keys() {
		if _, ok := active2[k]; !ok && !retiredSet[k] {
			removed = append(removed, k)
		}
	}
	for _, k := range active2.keys() {
		before, ok := active1[k]
		if !ok {
			continue
		}
		after := active2[k]
		switch {
		case before.Smart != after.Smart:
			major = append(major, k)
		case before.Standard != after.Standard:
			minor = append(minor, k)
		case verbosity >= VerbositySameCounts:
			same = append(same, k)
		}
	}

	section := func(ids []string, isSame bool) Section {
		withIDs := verbosity >= VerbosityChangedIDs
		if isSame {
			withIDs = verbosity >= VerbosityAllIDs
		}
		s := Section{Total: len(ids)}
		if withIDs && len(ids) > 0 {
			s.IDs = ids
		}
		return s
	}

	res := &DiffResult{
		New:            section(added, false),
		Removed:        section(removed, false),
		ChangedTotal:   len(newlyRetired) + len(major) + len(minor),
		ChangedRetired: section(newlyRetired, false),
		ChangedMajor:   section(major, false),
		ChangedMinor:   section(minor, false),
	}
	if verbosity >= VerbositySameCounts {
		total := len(same)
		sameMajor := section(same, true)
		sameMinor := section(nil, true)
		res.SameTotal = &total
		res.SameMajor = &sameMajor
		res.SameMinor = &sameMinor
	}
	return res
}

// DiffCanonical returns a unified diff between the canonical serializations
// of two payloads, one serialized field per line.
func DiffCanonical(resource Resource, left, right any, kind Kind) (string, error) {
	a, err := Explain(resource, left, kind)
	if err != nil {
		return "", fmt.Errorf("left payload: %w", err)
	}
	b, err := Explain(resource, right, kind)
	if err != nil {
		return "", fmt.Errorf("right payload: %w", err)
	}

	u := difflib.UnifiedDiff{
		A:        difflib.SplitLines(fieldLines(a.Serialized)),
		B:        difflib.SplitLines(fieldLines(b.Serialized)),
		FromFile: a.Digest,
		ToFile:   b.Digest,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(u)
}

func fieldLines(serialized []string) string {
	r := strings.NewReplacer(",", ",\n", "]", "]\n")
	return r.Replace(strings.Join(serialized, "\n"))
}
