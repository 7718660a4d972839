package grades

import "strconv"

// Per-subsection column groups of the grade and intervention exports.
var (
	gradePrefixes        = []string{"name", "grade", "original_grade", "previous_override", "new_override"}
	interventionPrefixes = []string{"name", "grade"}
)

// SubsectionSet is an ordered set of graded subsections keyed by short ID.
// The first subsection wins on short ID collisions.
type SubsectionSet struct {
	order   []string
	byShort map[string]Subsection
}

// NewSubsectionSet builds the set, keeping only the named block and/or
// assignment type when the filters are non-empty.
func NewSubsectionSet(subsections []Subsection, filterBlockID, filterAssignmentType string) SubsectionSet {
	set := SubsectionSet{byShort: make(map[string]Subsection, len(subsections))}
	for _, sub := range subsections {
		if filterBlockID != "" && sub.BlockID != filterBlockID {
			continue
		}
		if filterAssignmentType != "" && sub.AssignmentType != filterAssignmentType {
			continue
		}
		short := sub.ShortID()
		if _, ok := set.byShort[short]; !ok {
			set.order = append(set.order, short)
			set.byShort[short] = sub
		}
	}
	return set
}

func (s SubsectionSet) Len() int { return len(s.order) }

// ShortIDs returns the short IDs in course order.
func (s SubsectionSet) ShortIDs() []string { return s.order }

func (s SubsectionSet) Get(short string) (Subsection, bool) {
	sub, ok := s.byShort[short]
	return sub, ok
}

// columnNames is the product of the subsection short IDs and prefixes,
// grouped per subsection.
func (s SubsectionSet) columnNames(prefixes []string) []string {
	cols := make([]string, 0, len(s.order)*len(prefixes))
	for _, short := range s.order {
		for _, prefix := range prefixes {
			cols = append(cols, prefix+"-"+short)
		}
	}
	return cols
}

// appendColumns adds names not already present, preserving order. Reloaded
// processors must not duplicate their subsection columns.
func appendColumns(columns, names []string) []string {
	existing := make(map[string]bool, len(columns))
	for _, col := range columns {
		existing[col] = true
	}
	for _, name := range names {
		if !existing[name] {
			columns = append(columns, name)
			existing[name] = true
		}
	}
	return columns
}

// skipBySubsectionWindow reports whether a learner falls outside the
// selected subsection's grade window. Zero bounds are unset.
func skipBySubsectionWindow(subsectionGrades map[string]SubsectionGrade, blockID string, min, max float64) bool {
	if blockID == "" || (min == 0 && max == 0) {
		return false
	}
	grade, ok := subsectionGrades[blockID]
	if !ok {
		return true
	}
	pct := grade.EffectivePercent()
	if min > 0 && pct < min {
		return true
	}
	if max > 0 && pct > max {
		return true
	}
	return false
}

// formatCell renders numeric grade cells without trailing zeros.
func formatCell(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
