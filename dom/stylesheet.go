package dom

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aymerick/douceur/parser"
	"golang.org/x/net/html"
)

// ErrSheetNotReadable is returned when the rules of a cross-origin sheet are read.
var ErrSheetNotReadable = errors.New("dom: stylesheet rules are not readable")

// StyleSheet is a CSSOM sheet: the rule list a browser would expose, which is
// not necessarily the text the page shipped.
type StyleSheet struct {
	Href     string
	Owner    *html.Node
	Readable bool
	Loaded   bool
	Disabled bool

	rules []string
}

// NewStyleSheet parses css into a loaded, readable sheet.
func NewStyleSheet(cssText, href string, owner *html.Node) *StyleSheet {
	s := &StyleSheet{Href: href, Owner: owner, Readable: true, Loaded: true}
	s.rules = parseRules(cssText)
	return s
}

// NewConstructedSheet is a sheet built by script, owned by no node.
func NewConstructedSheet(cssText string) *StyleSheet {
	return NewStyleSheet(cssText, "", nil)
}

func parseRules(cssText string) []string {
	if strings.TrimSpace(cssText) == "" {
		return nil
	}
	sheet, err := parser.Parse(cssText)
	if err != nil {
		return []string{strings.TrimSpace(cssText)}
	}
	out := make([]string, 0, len(sheet.Rules))
	for _, r := range sheet.Rules {
		out = append(out, r.String())
	}
	return out
}

// Rules returns the rule texts.
func (s *StyleSheet) Rules() ([]string, error) {
	if !s.Readable {
		return nil, ErrSheetNotReadable
	}
	return append([]string(nil), s.rules...), nil
}

// CSSText serializes the rule list.
func (s *StyleSheet) CSSText() (string, error) {
	rules, err := s.Rules()
	if err != nil {
		return "", err
	}
	return strings.Join(rules, ""), nil
}

// Replace swaps the whole rule list, e.g. once a <link> finished loading.
func (s *StyleSheet) Replace(cssText string) {
	s.rules = parseRules(cssText)
	s.Loaded = true
}

func (s *StyleSheet) insert(rule string, index int) (int, error) {
	if !s.Readable {
		return 0, ErrSheetNotReadable
	}
	if index < 0 || index > len(s.rules) {
		return 0, fmt.Errorf("dom: insert rule: index %d out of range", index)
	}
	parsed := parseRules(rule)
	if len(parsed) != 1 {
		return 0, fmt.Errorf("dom: insert rule: want exactly one rule, got %d", len(parsed))
	}
	s.rules = append(s.rules, "")
	copy(s.rules[index+1:], s.rules[index:])
	s.rules[index] = parsed[0]
	return index, nil
}

func (s *StyleSheet) remove(index int) error {
	if !s.Readable {
		return ErrSheetNotReadable
	}
	if index < 0 || index >= len(s.rules) {
		return fmt.Errorf("dom: delete rule: index %d out of range", index)
	}
	s.rules = append(s.rules[:index], s.rules[index+1:]...)
	return nil
}

// SheetOf returns the CSSOM sheet owned by a <style> or <link> element.
func (d *Document) SheetOf(n *html.Node) *StyleSheet {
	return d.sheets[n]
}

// SetSheet attaches a sheet to its owner element.
func (d *Document) SetSheet(n *html.Node, s *StyleSheet) {
	s.Owner = n
	d.sheets[n] = s
}

// StyleSheets lists the sheets owned by elements in this document.
func (d *Document) StyleSheets() []*StyleSheet {
	out := make([]*StyleSheet, 0, len(d.sheets))
	Walk(d.Root, func(n *html.Node) bool {
		if s, ok := d.sheets[n]; ok {
			out = append(out, s)
		}
		return true
	})
	return out
}

// SheetByHref finds a document sheet by its absolute href.
func (d *Document) SheetByHref(href string) *StyleSheet {
	for _, s := range d.StyleSheets() {
		if s.Href != "" && s.Href == href {
			return s
		}
	}
	return nil
}

// InsertRule inserts a rule into s and notifies sheet observers.
func (d *Document) InsertRule(s *StyleSheet, rule string, index int) error {
	idx, err := s.insert(rule, index)
	if err != nil {
		return err
	}
	d.notifySheet(SheetRecord{Kind: SheetInsert, Sheet: s, Rule: s.rules[idx], Index: idx})
	return nil
}

// DeleteRule removes a rule from s and notifies sheet observers.
func (d *Document) DeleteRule(s *StyleSheet, index int) error {
	if err := s.remove(index); err != nil {
		return err
	}
	d.notifySheet(SheetRecord{Kind: SheetDelete, Sheet: s, Index: index})
	return nil
}

// AdoptStyleSheets sets the adopted sheets of the document root or a shadow root.
func (d *Document) AdoptStyleSheets(target *html.Node, sheets ...*StyleSheet) {
	d.adopted[target] = append([]*StyleSheet(nil), sheets...)
	d.notifySheet(SheetRecord{Kind: SheetAdopt, Target: target, Sheets: sheets})
}

// AdoptedStyleSheets returns the sheets adopted by target.
func (d *Document) AdoptedStyleSheets(target *html.Node) []*StyleSheet {
	return d.adopted[target]
}
