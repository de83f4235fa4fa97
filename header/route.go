package header

import "slices"

// RouteSet is an ordered sequence of Route or Record-Route entries.
type RouteSet []Address

// Reversed returns a copy of the set in reverse order. A UAC builds its
// dialog route set from the Record-Route entries in reverse (RFC 3261
// section 12.1.2).
func (rs RouteSet) Reversed() RouteSet {
	if rs == nil {
		return nil
	}
	out := rs.Clone()
	slices.Reverse(out)
	return out
}

// First returns the first entry of the set.
func (rs RouteSet) First() (Address, bool) {
	if len(rs) == 0 {
		return Address{}, false
	}
	return rs[0], true
}

// PopFirst returns the first entry and the remaining set.
func (rs RouteSet) PopFirst() (Address, RouteSet, bool) {
	if len(rs) == 0 {
		return Address{}, nil, false
	}
	return rs[0], rs[1:].Clone(), true
}

// Clone returns a deep copy of the set.
func (rs RouteSet) Clone() RouteSet {
	if rs == nil {
		return nil
	}
	out := make(RouteSet, len(rs))
	for i, a := range rs {
		out[i] = a.Clone()
	}
	return out
}

// Equal compares route sets entry by entry.
func (rs RouteSet) Equal(val any) bool {
	var other RouteSet
	switch v := val.(type) {
	case RouteSet:
		other = v
	case *RouteSet:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	if len(rs) != len(other) {
		return false
	}
	for i := range rs {
		if !rs[i].Equal(other[i]) {
			return false
		}
	}
	return true
}
