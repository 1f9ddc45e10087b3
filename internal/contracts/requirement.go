package contracts

import "sort"

// DataRequirement maps an external interface name to the fields needed
// across all enabled factors
type DataRequirement map[string][]string

// Add records a field under an interface, keeping fields unique and sorted
func (r DataRequirement) Add(iface, field string) {
	fields := r[iface]
	i := sort.SearchStrings(fields, field)
	if i < len(fields) && fields[i] == field {
		return
	}
	fields = append(fields, "")
	copy(fields[i+1:], fields[i:])
	fields[i] = field
	r[iface] = fields
}

// Interfaces returns interface names in sorted order
func (r DataRequirement) Interfaces() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FieldCount returns the total number of (interface, field) pairs
func (r DataRequirement) FieldCount() int {
	n := 0
	for _, fields := range r {
		n += len(fields)
	}
	return n
}
