package trace

import "fmt"

// TimeRange covers timestamps from Begin inclusive to End exclusive. A nil
// bound leaves the range open on that side.
type TimeRange struct {
	Begin *uint64
	End   *uint64
}

func NewTimeRange(begin, end uint64) TimeRange {
	return TimeRange{Begin: &begin, End: &end}
}

func Since(begin uint64) TimeRange {
	return TimeRange{Begin: &begin}
}

func Until(end uint64) TimeRange {
	return TimeRange{End: &end}
}

func (r TimeRange) Contains(ts uint64) bool {
	if r.Begin != nil && ts < *r.Begin {
		return false
	}
	if r.End != nil && ts >= *r.End {
		return false
	}
	return true
}

// Intersection returns the range covered by both r and o. It reports false
// when the two ranges don't overlap.
func (r TimeRange) Intersection(o TimeRange) (TimeRange, bool) {
	var out TimeRange
	switch {
	case r.Begin == nil:
		out.Begin = o.Begin
	case o.Begin == nil:
		out.Begin = r.Begin
	default:
		out.Begin = maxPtr(r.Begin, o.Begin)
	}
	switch {
	case r.End == nil:
		out.End = o.End
	case o.End == nil:
		out.End = r.End
	default:
		out.End = minPtr(r.End, o.End)
	}
	if out.Begin != nil && out.End != nil && *out.Begin > *out.End {
		return TimeRange{}, false
	}
	return out, true
}

func (r TimeRange) String() string {
	begin, end := "-inf", "+inf"
	if r.Begin != nil {
		begin = FormatTime(*r.Begin)
	}
	if r.End != nil {
		end = FormatTime(*r.End)
	}
	return fmt.Sprintf("[%s, %s)", begin, end)
}

func maxPtr(a, b *uint64) *uint64 {
	v := *a
	if *b > v {
		v = *b
	}
	return &v
}

func minPtr(a, b *uint64) *uint64 {
	v := *a
	if *b < v {
		v = *b
	}
	return &v
}
