package mutation

// ResolveTree is one node of the forest built from a batch of additions.
type ResolveTree struct {
	Value    AddedNode
	Children []*ResolveTree
	Parent   *ResolveTree
}

// QueueToResolveTrees arranges additions that may reference siblings or
// parents appearing later in the queue. A record whose next sibling is
// already known is spliced right before it; otherwise a record whose parent
// is known is appended to that parent; otherwise it starts a new root.
func QueueToResolveTrees(queue []AddedNode) []*ResolveTree {
	byID := make(map[int]*ResolveTree, len(queue))
	put := func(m AddedNode, parent *ResolveTree) *ResolveTree {
		t := &ResolveTree{Value: m, Parent: parent}
		if m.Node != nil {
			byID[m.Node.ID] = t
		}
		return t
	}

	var roots []*ResolveTree
	for _, m := range queue {
		if m.NextID != nil {
			if next, ok := byID[*m.NextID]; ok {
				if next.Parent != nil {
					next.Parent.Children = insertBefore(next.Parent.Children, next, put(m, next.Parent))
				} else {
					roots = insertBefore(roots, next, put(m, nil))
				}
				continue
			}
		}
		if parent, ok := byID[m.ParentID]; ok {
			parent.Children = append(parent.Children, put(m, parent))
			continue
		}
		roots = append(roots, put(m, nil))
	}
	return roots
}

func insertBefore(list []*ResolveTree, ref, t *ResolveTree) []*ResolveTree {
	idx := len(list)
	for i, x := range list {
		if x == ref {
			idx = i
			break
		}
	}
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = t
	return list
}

// IterateResolveTree visits the tree value first, then its children last to
// first. Applying "insert before next sibling" in this order means every
// next sibling is already in place when it is referenced.
func IterateResolveTree(t *ResolveTree, fn func(AddedNode)) {
	fn(t.Value)
	for i := len(t.Children) - 1; i >= 0; i-- {
		IterateResolveTree(t.Children[i], fn)
	}
}

// Flatten returns the application order of a batch of additions. It starts
// from the resolve-tree order and then pulls every in-batch parent and next
// sibling ahead of the records that reference them, so the result can be
// applied front to back without parking.
func Flatten(queue []AddedNode) []AddedNode {
	var order []AddedNode
	for _, t := range QueueToResolveTrees(queue) {
		IterateResolveTree(t, func(m AddedNode) { order = append(order, m) })
	}

	byID := make(map[int]int, len(order))
	for i, m := range order {
		if m.Node != nil {
			byID[m.Node.ID] = i
		}
	}
	done := make([]bool, len(order))
	out := make([]AddedNode, 0, len(order))
	var emit func(i int)
	emit = func(i int) {
		if done[i] {
			return
		}
		done[i] = true
		m := order[i]
		if j, ok := byID[m.ParentID]; ok {
			emit(j)
		}
		if m.NextID != nil {
			if j, ok := byID[*m.NextID]; ok {
				emit(j)
			}
		}
		out = append(out, m)
	}
	for i := range order {
		emit(i)
	}
	return out
}
