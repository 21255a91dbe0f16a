package vm

// Interval is a scope key that can test containment of another key of the
// same type. Both IP ranges and source intervals satisfy it.
type Interval[K any] interface {
	comparable
	Contains(other K) bool
}

// ScopeNode is one scope in a ScopeTree together with the values declared
// directly in it. A node's scope contains the scopes of all its children.
type ScopeNode[K Interval[K], V any] struct {
	Scope    K
	Values   []V
	Children []*ScopeNode[K, V]
}

// ScopeTree is a forest of nested scopes. Siblings never contain each other.
type ScopeTree[K Interval[K], V any] struct {
	roots []*ScopeNode[K, V]
	size  int
}

// Insert records v as declared in scope. An existing node with an equal
// scope absorbs the value; a containing node receives it in its subtree;
// otherwise a new node is added at the tightest level, adopting any
// siblings it contains.
func (t *ScopeTree[K, V]) Insert(scope K, v V) {
	t.roots = insertScope(t.roots, scope, v)
	t.size++
}

func insertScope[K Interval[K], V any](nodes []*ScopeNode[K, V], scope K, v V) []*ScopeNode[K, V] {
	for _, n := range nodes {
		if n.Scope == scope {
			n.Values = append(n.Values, v)
			return nodes
		}
		if n.Scope.Contains(scope) {
			n.Children = insertScope(n.Children, scope, v)
			return nodes
		}
	}

	node := &ScopeNode[K, V]{Scope: scope, Values: []V{v}}
	kept := make([]*ScopeNode[K, V], 0, len(nodes)+1)
	for _, n := range nodes {
		if scope.Contains(n.Scope) {
			node.Children = append(node.Children, n)
		} else {
			kept = append(kept, n)
		}
	}
	return append(kept, node)
}

// Collect returns the values of every node whose scope satisfies match,
// outermost first. Children are only visited when their parent matches.
func (t *ScopeTree[K, V]) Collect(match func(K) bool) []V {
	var out []V
	var walk func([]*ScopeNode[K, V])
	walk = func(nodes []*ScopeNode[K, V]) {
		for _, n := range nodes {
			if !match(n.Scope) {
				continue
			}
			out = append(out, n.Values...)
			walk(n.Children)
		}
	}
	walk(t.roots)
	return out
}

// Roots returns the top-level scopes.
func (t *ScopeTree[K, V]) Roots() []*ScopeNode[K, V] {
	return t.roots
}

// Len returns the number of inserted values.
func (t *ScopeTree[K, V]) Len() int {
	return t.size
}
