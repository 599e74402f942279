// Package access implements tag-based authorization over the broker's
// aggregated tool catalog.
package access

import "slices"

// wildcardTag grants access to every tag set when present.
const wildcardTag = "*"

// ClientContext is the authenticated identity attached to a session once its
// bearer JWT has been verified. It carries the tag set the client is
// entitled to see, not a list of individual servers or tools.
type ClientContext struct {
	Subject         string
	AllowedTags     []string
	AuthenticatedAt int64
}

// HasAccessToTags reports whether ctx may see a resource carrying
// requiredTags. Access is OR over tags: any shared tag is sufficient, and "*"
// in AllowedTags overrides every check. An empty requiredTags set is never
// satisfied by an empty-but-non-wildcard AllowedTags -- callers must resolve
// a concrete tag set before asking.
func (c *ClientContext) HasAccessToTags(requiredTags []string) bool {
	if c == nil {
		return false
	}
	if slices.Contains(c.AllowedTags, wildcardTag) {
		return true
	}
	for _, tag := range requiredTags {
		if slices.Contains(c.AllowedTags, tag) {
			return true
		}
	}
	return false
}
