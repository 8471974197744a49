package bus

import (
	"slices"
	"strings"

	"github.com/loqalabs/hermeskit/internal/topic"
)

type filter struct {
	pattern string
	qos     byte
}

// filterSet keeps the broker-side subscriptions of one client pairwise
// disjoint. Brokers may send one copy of a message per matching filter, so
// overlapping patterns are merged into a single wider filter and the router
// picks the handler. Not safe for concurrent use.
type filterSet struct {
	filters []filter
}

// add merges pattern into the set. It returns the filter to subscribe, nil
// when the broker already covers pattern at qos, and the filters the merge
// made redundant.
func (s *filterSet) add(pattern string, qos byte) (*filter, []string) {
	merged := topic.Split(pattern)
	removed := make(map[string]byte)
	for {
		i := slices.IndexFunc(s.filters, func(f filter) bool {
			return topic.Overlap(merged, topic.Split(f.pattern))
		})
		if i < 0 {
			break
		}
		f := s.filters[i]
		s.filters = slices.Delete(s.filters, i, i+1)
		removed[f.pattern] = f.qos
		merged = topic.Generalize(merged, topic.Split(f.pattern))
		qos = max(qos, f.qos)
	}

	f := filter{pattern: strings.Join(merged, topic.Separator), qos: qos}
	s.filters = append(s.filters, f)

	prev, existed := removed[f.pattern]
	delete(removed, f.pattern)
	stale := make([]string, 0, len(removed))
	for p := range removed {
		stale = append(stale, p)
	}
	slices.Sort(stale)

	if existed && prev >= qos {
		return nil, stale
	}
	return &f, stale
}

func (s *filterSet) reset() {
	s.filters = nil
}

func (s *filterSet) patterns() []string {
	out := make([]string, len(s.filters))
	for i, f := range s.filters {
		out[i] = f.pattern
	}
	return out
}
