package router

import "strings"

// composePath joins a route's sub-path onto the destination's base path.
// An empty sub-path yields "", meaning the destination itself.
func composePath(base, sub string) string {
	if strings.TrimSpace(sub) == "" {
		return ""
	}
	if base == "" {
		if strings.HasPrefix(sub, "/") {
			return sub
		}
		return "/" + sub
	}
	if strings.HasSuffix(base, "/") {
		return base + sub
	}
	return base + "/" + sub
}
