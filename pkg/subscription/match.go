package subscription

import "strings"

// MatchTopic reports whether an MQTT topic matches a subscription filter.
// "+" matches exactly one level, a trailing "#" matches the parent level and
// everything below it. Wildcards in the first level never match topics
// starting with "$".
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, level := range fl {
		if level == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if level != "+" && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
