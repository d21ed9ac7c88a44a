package typeutil

import "strings"

// CompactStrings trims the spaces around every element and drops the empty ones.
// A list given as "a, b," on the command line decodes to [a b].
func CompactStrings(l []string) []string {
	res := make([]string, 0, len(l))
	for _, s := range l {
		if s = strings.TrimSpace(s); s != "" {
			res = append(res, s)
		}
	}
	return res
}
