package snapshot

import (
	"math"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/domreplay/dom"
)

// Autocomplete values whose inputs are always masked, whatever the options.
var alwaysMaskAutocomplete = map[string]bool{
	"current-password": true,
	"new-password":     true,
	"cc-number":        true,
	"cc-exp":           true,
	"cc-exp-month":     true,
	"cc-exp-year":      true,
	"cc-csc":           true,
}

// matcher is a class-or-selector predicate over elements.
type matcher struct {
	class    string
	classRe  *regexp.Regexp
	selector *dom.Selector
}

func (m matcher) empty() bool {
	return m.class == "" && m.classRe == nil && m.selector == nil
}

func classMatches(el *html.Node, re *regexp.Regexp) bool {
	for _, c := range dom.Classes(el) {
		if re.MatchString(c) {
			return true
		}
	}
	return false
}

func (m matcher) match(el *html.Node) bool {
	if el == nil || el.Type != html.ElementNode {
		return false
	}
	if m.class != "" && dom.HasClass(el, m.class) {
		return true
	}
	if m.classRe != nil && classMatches(el, m.classRe) {
		return true
	}
	return m.selector != nil && m.selector.Matches(el)
}

// distanceToMatch counts element hops from n to the nearest ancestor-or-self
// matching pred, giving up past limit. -1 means no match.
func distanceToMatch(n *html.Node, pred func(*html.Node) bool, limit int) int {
	for d := 0; n != nil && n.Type == html.ElementNode; d, n = d+1, n.Parent {
		if d > limit {
			return -1
		}
		if pred(n) {
			return d
		}
	}
	return -1
}

// NeedMaskingText reports whether the text of n (or of the element n) must
// be masked. maskAll selects mask-everything-except-unmask mode.
func (s *Serializer) NeedMaskingText(n *html.Node, maskAll bool) (mask bool) {
	defer func() {
		if recover() != nil {
			mask = maskAll
		}
	}()
	el := dom.ClosestElement(n)
	if el == nil {
		return false
	}
	if el.Data == "input" && alwaysMaskAutocomplete[dom.GetAttr(el, "autocomplete")] {
		return true
	}

	maskDistance, unmaskDistance := -1, -1
	if maskAll {
		unmaskDistance = distanceToMatch(el, s.unmask.match, math.MaxInt)
		if unmaskDistance < 0 {
			return true
		}
		maskDistance = distanceToMatch(el, s.mask.match, unmaskDistance)
	} else {
		maskDistance = distanceToMatch(el, s.mask.match, math.MaxInt)
		if maskDistance < 0 {
			return false
		}
		unmaskDistance = distanceToMatch(el, s.unmask.match, maskDistance)
	}

	switch {
	case maskDistance >= 0 && unmaskDistance >= 0:
		return maskDistance <= unmaskDistance
	case maskDistance >= 0:
		return true
	case unmaskDistance >= 0:
		return false
	}
	return maskAll
}

// InputType returns the effective type of a form control: password when the
// control was ever a password input, the lowercased type otherwise, "" when
// none applies.
func InputType(el *html.Node) string {
	if dom.HasAttr(el, PasswordMarker) {
		return "password"
	}
	switch el.Data {
	case "input":
		return dom.InputType(el)
	case "textarea":
		return "textarea"
	case "select":
		if dom.HasAttr(el, "multiple") {
			return "select-multiple"
		}
		return "select-one"
	}
	return ""
}

// ShouldMaskInput reports whether values of a control with this tag and type
// are masked under opts. Options are matched like selects.
func ShouldMaskInput(opts MaskInputOptions, tag, typ string) bool {
	tag = strings.ToLower(tag)
	if tag == "option" {
		tag = "select"
	}
	return opts[tag] ||
		(typ != "" && opts[typ]) ||
		typ == "password" ||
		(tag == "input" && typ == "" && opts["text"])
}

// MaskInputValue returns value unchanged when not masked, else the policy
// output starred out to its length.
func (s *Serializer) MaskInputValue(masked bool, el *html.Node, value string) string {
	if !masked {
		return value
	}
	return maskFull(s.policy.MaskInput(value, el))
}

func (s *Serializer) inputValue(doc *dom.Document, el *html.Node, typ string) string {
	if el.Data == "input" && (typ == "radio" || typ == "checkbox") {
		return dom.GetAttr(el, "value")
	}
	return doc.InputValue(el)
}
