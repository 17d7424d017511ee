package conflict

import (
	"slices"
)

// Detect compares the changes of every pair of tasks touching file and
// returns the incompatible pairs. Two identical changes never conflict.
func (t *CompatibilityTable) Detect(file string, changes map[string][]ChangeRecord) []Conflict {
	tasks := make([]string, 0, len(changes))
	for id := range changes {
		tasks = append(tasks, id)
	}
	slices.Sort(tasks)

	var out []Conflict
	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			for _, ra := range changes[tasks[i]] {
				for _, rb := range changes[tasks[j]] {
					if ra.Location != rb.Location {
						continue
					}
					if ra.ChangeType == rb.ChangeType && ra.Body == rb.Body {
						continue
					}
					c := t.Lookup(file, ra.ChangeType, rb.ChangeType)
					if c.Compatible {
						continue
					}
					out = append(out, Conflict{
						File:          file,
						Location:      ra.Location,
						TasksInvolved: [2]string{tasks[i], tasks[j]},
						ChangeTypes:   [2]ChangeType{ra.ChangeType, rb.ChangeType},
						Severity:      c.Severity,
						MergeStrategy: c.Strategy,
					})
				}
			}
		}
	}
	return out
}
