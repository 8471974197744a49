// Package topic implements hierarchical topic patterns as used by MQTT-style
// brokers: slash-delimited segments, "+" for exactly one segment and a trailing
// "#" for one or more segments.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Separator       = "/"
	SingleLevel     = "+"
	MultiLevel      = "#"
	natsSeparator   = "."
	natsSingleLevel = "*"
	natsMultiLevel  = ">"
)

var ErrInvalidPattern = errors.New("invalid topic pattern")

// Split breaks a topic or pattern into its segments.
func Split(s string) []string {
	return strings.Split(s, Separator)
}

// Validate reports whether pattern is a well-formed subscription pattern.
func Validate(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	segments := Split(pattern)
	for i, seg := range segments {
		switch {
		case seg == MultiLevel:
			if i != len(segments)-1 {
				return fmt.Errorf("%w: %q: %s must be the final segment", ErrInvalidPattern, pattern, MultiLevel)
			}
		case seg == SingleLevel:
		case strings.ContainsAny(seg, SingleLevel+MultiLevel):
			return fmt.Errorf("%w: %q: wildcards must occupy a whole segment", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// Match reports whether topic is addressed by pattern. Both are expected to be
// valid; a concrete topic never contains wildcards.
func Match(pattern, topic string) bool {
	return MatchSegments(Split(pattern), Split(topic))
}

// MatchSegments is Match on pre-split segments.
func MatchSegments(pattern, topic []string) bool {
	for i, seg := range pattern {
		if seg == MultiLevel {
			// needs at least one remaining topic segment
			return i < len(topic)
		}
		if i >= len(topic) {
			return false
		}
		if seg != SingleLevel && seg != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}

// HasWildcard reports whether pattern contains any wildcard segment.
func HasWildcard(pattern string) bool {
	for _, seg := range Split(pattern) {
		if seg == SingleLevel || seg == MultiLevel {
			return true
		}
	}
	return false
}

func rank(seg string) int {
	switch seg {
	case MultiLevel:
		return 2
	case SingleLevel:
		return 1
	default:
		return 0
	}
}

// MoreSpecific reports whether pattern a should win over pattern b when both
// match the same topic. Segments are compared left to right; a literal beats
// "+" which beats "#". Equal shapes are not more specific.
func MoreSpecific(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		ra, rb := rank(a[i]), rank(b[i])
		if ra != rb {
			return ra < rb
		}
	}
	// "a/b/#" beats "a/#": the longer pattern pins more segments down.
	return len(a) > len(b)
}

// Overlap reports whether some concrete topic matches both patterns.
func Overlap(a, b []string) bool {
	for i := 0; ; i++ {
		aEnd, bEnd := i == len(a), i == len(b)
		if aEnd || bEnd {
			return aEnd && bEnd
		}
		if a[i] == MultiLevel || b[i] == MultiLevel {
			return true
		}
		if a[i] != SingleLevel && b[i] != SingleLevel && a[i] != b[i] {
			return false
		}
	}
}

// Generalize returns the narrowest pattern that matches every topic either
// overlapping pattern matches. Differing segments become "+", and a "#" in
// either pattern ends the result.
func Generalize(a, b []string) []string {
	out := make([]string, 0, len(a))
	for i := range a {
		if a[i] == MultiLevel || b[i] == MultiLevel {
			return append(out, MultiLevel)
		}
		if a[i] == b[i] {
			out = append(out, a[i])
		} else {
			out = append(out, SingleLevel)
		}
	}
	return out
}

// ToNATS converts a slash-delimited topic or pattern to a NATS subject.
func ToNATS(s string) string {
	segments := Split(s)
	for i, seg := range segments {
		switch seg {
		case SingleLevel:
			segments[i] = natsSingleLevel
		case MultiLevel:
			segments[i] = natsMultiLevel
		}
	}
	return strings.Join(segments, natsSeparator)
}

// FromNATS converts a NATS subject back to a slash-delimited topic.
func FromNATS(subject string) string {
	segments := strings.Split(subject, natsSeparator)
	for i, seg := range segments {
		switch seg {
		case natsSingleLevel:
			segments[i] = SingleLevel
		case natsMultiLevel:
			segments[i] = MultiLevel
		}
	}
	return strings.Join(segments, Separator)
}
