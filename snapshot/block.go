package snapshot

import (
	"math"

	"golang.org/x/net/html"
)

// IsBlocked reports whether el is excluded from recording. The unblock
// selector wins over the block class and block selector.
func (s *Serializer) IsBlocked(el *html.Node) (blocked bool) {
	defer func() {
		if recover() != nil {
			blocked = false
		}
	}()
	if el == nil || el.Type != html.ElementNode {
		return false
	}
	if s.unblock != nil && s.unblock.Matches(el) {
		return false
	}
	return s.block.match(el)
}

// IsBlockedFrom reports whether n sits in a blocked subtree. Without
// checkAncestors only the closest element is tested; with it, the nearest
// block match must be closer than the nearest unblock match.
func (s *Serializer) IsBlockedFrom(n *html.Node, checkAncestors bool) (blocked bool) {
	defer func() {
		if recover() != nil {
			blocked = false
		}
	}()
	if n == nil {
		return false
	}
	el := n
	if el.Type != html.ElementNode {
		el = el.Parent
	}
	if el == nil || el.Type != html.ElementNode {
		return false
	}
	unblocked := func(e *html.Node) bool { return s.unblock != nil && s.unblock.Matches(e) }
	if !checkAncestors {
		return s.block.match(el) && !unblocked(el)
	}
	blockDistance := distanceToMatch(el, s.block.match, math.MaxInt)
	if blockDistance < 0 {
		return false
	}
	unblockDistance := -1
	if s.unblock != nil {
		unblockDistance = distanceToMatch(el, unblocked, blockDistance)
	}
	if unblockDistance < 0 {
		return true
	}
	return blockDistance < unblockDistance
}
