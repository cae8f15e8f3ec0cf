package mirror

// StyleSheetMirror assigns ids to stylesheets that have no owner node, such
// as constructed and adopted sheets.
type StyleSheetMirror[S comparable] struct {
	next   int
	ids    map[S]int
	styles map[int]S
}

// NewStyleSheetMirror returns an empty mirror whose first id is 1.
func NewStyleSheetMirror[S comparable]() *StyleSheetMirror[S] {
	return &StyleSheetMirror[S]{next: 1, ids: make(map[S]int), styles: make(map[int]S)}
}

// Has reports whether s is tracked.
func (m *StyleSheetMirror[S]) Has(s S) bool {
	_, ok := m.ids[s]
	return ok
}

// GetID returns the id of s, or -1.
func (m *StyleSheetMirror[S]) GetID(s S) int {
	if id, ok := m.ids[s]; ok {
		return id
	}
	return -1
}

// Add tracks s and returns its id. A sheet already tracked keeps its id; an
// explicit id is used when given; otherwise one is generated.
func (m *StyleSheetMirror[S]) Add(s S, id ...int) int {
	if cur, ok := m.ids[s]; ok {
		return cur
	}
	var nid int
	if len(id) > 0 {
		nid = id[0]
	} else {
		nid = m.next
		m.next++
	}
	m.ids[s] = nid
	m.styles[nid] = s
	return nid
}

// GetStyle returns the sheet registered under id.
func (m *StyleSheetMirror[S]) GetStyle(id int) (S, bool) {
	s, ok := m.styles[id]
	return s, ok
}

// Reset drops every sheet and restarts ids at 1.
func (m *StyleSheetMirror[S]) Reset() {
	m.ids = make(map[S]int)
	m.styles = make(map[int]S)
	m.next = 1
}

// GenerateID returns a fresh id without registering anything.
func (m *StyleSheetMirror[S]) GenerateID() int {
	id := m.next
	m.next++
	return id
}
