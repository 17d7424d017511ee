package conflict

import (
	"slices"
	"strings"
)

var (
	addTypes    = map[ElementKind]ChangeType{KindImport: AddImport, KindFunction: AddFunction, KindClass: AddClass}
	modifyTypes = map[ElementKind]ChangeType{KindFunction: ModifyFunction, KindClass: ModifyClass}
	removeTypes = map[ElementKind]ChangeType{KindImport: RemoveImport, KindFunction: RemoveFunction, KindClass: RemoveClass}
)

// index maps element locations to elements. A later duplicate replaces an
// earlier one.
func index(elements []Element) map[string]Element {
	m := make(map[string]Element, len(elements))
	for _, e := range elements {
		m[e.Location()] = e
	}
	return m
}

// Analyze diffs the semantic elements of version against baseline. Records
// are ordered by location.
func Analyze(ext Extractor, baseline, version string) []ChangeRecord {
	base := index(ext.Extract(baseline))
	next := index(ext.Extract(version))

	var out []ChangeRecord
	for loc, e := range next {
		old, existed := base[loc]
		switch {
		case !existed:
			out = append(out, ChangeRecord{ChangeType: addTypes[e.Kind], Target: e.Name, Location: loc, Body: normalizeBody(e.Body)})
		case e.Kind != KindImport && normalizeBody(old.Body) != normalizeBody(e.Body):
			out = append(out, ChangeRecord{ChangeType: modifyTypes[e.Kind], Target: e.Name, Location: loc, Body: normalizeBody(e.Body)})
		}
	}
	for loc, e := range base {
		if _, kept := next[loc]; !kept {
			out = append(out, ChangeRecord{ChangeType: removeTypes[e.Kind], Target: e.Name, Location: loc})
		}
	}
	slices.SortFunc(out, func(a, b ChangeRecord) int {
		if c := strings.Compare(a.Location, b.Location); c != 0 {
			return c
		}
		return strings.Compare(string(a.ChangeType), string(b.ChangeType))
	})
	return out
}
