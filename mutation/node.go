// Package mutation defines the wire types of a recording: serialized nodes,
// events and incremental mutation payloads, plus the ordering helpers both
// the recorder and the replayer rely on. Any consumer of a recording imports
// this package and nothing else.
package mutation

// NodeType tags a serialized node.
type NodeType int

const (
	DocumentNode NodeType = iota
	DocumentTypeNode
	ElementNode
	TextNode
	CDATANode
	CommentNode
)

func (t NodeType) String() string {
	switch t {
	case DocumentNode:
		return "document"
	case DocumentTypeNode:
		return "doctype"
	case ElementNode:
		return "element"
	case TextNode:
		return "text"
	case CDATANode:
		return "cdata"
	case CommentNode:
		return "comment"
	}
	return "unknown"
}

// Id sentinels.
const (
	// IgnoredNode marks a node that is tracked for sibling bookkeeping but
	// never serialized.
	IgnoredNode = -2
	// NotTracked is returned for nodes the mirror has never seen.
	NotTracked = -1
)

// Attributes holds serialized attribute values: string, float64, bool or nil.
// A nil value means the attribute was explicitly dropped.
type Attributes map[string]any

// String returns a string-typed attribute.
func (a Attributes) String(name string) (string, bool) {
	v, ok := a[name].(string)
	return v, ok
}

// Node is one serialized node. Which fields are meaningful depends on Type.
type Node struct {
	Type   NodeType `json:"type"`
	ID     int      `json:"id"`
	RootID int      `json:"rootId,omitempty"`

	// Document
	CompatMode string `json:"compatMode,omitempty"`

	// DocumentType
	Name     string `json:"name,omitempty"`
	PublicID string `json:"publicId,omitempty"`
	SystemID string `json:"systemId,omitempty"`

	// Element
	TagName      string     `json:"tagName,omitempty"`
	Attributes   Attributes `json:"attributes,omitempty"`
	IsSVG        bool       `json:"isSVG,omitempty"`
	NeedBlock    bool       `json:"needBlock,omitempty"`
	IsShadowHost bool       `json:"isShadowHost,omitempty"`
	IsCustom     bool       `json:"isCustom,omitempty"`

	// Document and Element
	ChildNodes []*Node `json:"childNodes,omitempty"`

	// Text, Comment, CDATA
	TextContent string `json:"textContent,omitempty"`
	IsStyle     bool   `json:"isStyle,omitempty"`

	IsShadow bool `json:"isShadow,omitempty"`
}

// HasChildren reports whether the node kind carries a child list.
func (n *Node) HasChildren() bool {
	return n.Type == DocumentNode || n.Type == ElementNode
}

// Visit calls fn for n and every serialized descendant, depth-first.
func Visit(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.ChildNodes {
		Visit(c, fn)
	}
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Attributes != nil {
		c.Attributes = make(Attributes, len(n.Attributes))
		for k, v := range n.Attributes {
			c.Attributes[k] = v
		}
	}
	if n.ChildNodes != nil {
		c.ChildNodes = make([]*Node, len(n.ChildNodes))
		for i, ch := range n.ChildNodes {
			c.ChildNodes[i] = ch.Clone()
		}
	}
	return &c
}
