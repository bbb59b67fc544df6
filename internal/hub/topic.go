package hub

import "strings"

// Matches reports whether a subscription covers a published topic.
//
// Rules, in order:
//   - "*" covers everything.
//   - "instances" covers every "instance:..." topic.
//   - "instance:X" covers "instance:X" itself and every "instance:X:..." topic.
//   - Anything else is an exact match.
func Matches(sub, topic string) bool {
	switch {
	case sub == "*":
		return true
	case sub == "instances":
		return strings.HasPrefix(topic, "instance:")
	case strings.HasPrefix(sub, "instance:") && strings.HasPrefix(topic, sub+":"):
		return true
	default:
		return sub == topic
	}
}

// matchesAny reports whether any subscription covers the topic.
func matchesAny(subs []string, topic string) bool {
	for _, s := range subs {
		if Matches(s, topic) {
			return true
		}
	}
	return false
}
