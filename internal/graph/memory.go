package graph

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store used by tests and by local runs
// where no graph backend is reachable at bring-up.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[string][]edge
}

type edge struct {
	relType string
	dst     string
	props   Props
}

// NewMemoryStore returns an empty in-memory graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*Node),
		edges: make(map[string][]edge),
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, u Upsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[u.ID]
	if !ok {
		node = &Node{ID: u.ID, Labels: u.Labels, Props: Props{}}
	}
	merged, allowed := MergeProps(node.Props, u.Props, u.Guard)
	if !allowed {
		return nil
	}
	node.Props = merged
	node.Labels = unionLabels(node.Labels, u.Labels)
	m.nodes[u.ID] = node

	for _, r := range u.Rels {
		if _, ok := m.nodes[r.TargetID]; !ok {
			m.nodes[r.TargetID] = &Node{ID: r.TargetID, Props: Props{}}
		}
		if !m.hasEdge(u.ID, r.Type, r.TargetID) {
			m.edges[u.ID] = append(m.edges[u.ID], edge{relType: r.Type, dst: r.TargetID, props: r.Props})
		}
	}
	return nil
}

func (m *MemoryStore) hasEdge(src, relType, dst string) bool {
	for _, e := range m.edges[src] {
		if e.relType == relType && e.dst == dst {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetNode(ctx context.Context, id string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *node
	cp.Props = make(Props, len(node.Props))
	for k, v := range node.Props {
		cp.Props[k] = v
	}
	return &cp, nil
}

func (m *MemoryStore) QueryNodes(ctx context.Context, label string, filter Filter) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Node
	for _, node := range m.nodes {
		if label != "" && !hasLabel(node.Labels, label) {
			continue
		}
		if !matches(node.Props, filter) {
			continue
		}
		out = append(out, *node)
	}
	return out, nil
}

func (m *MemoryStore) Relations(ctx context.Context, srcID, relType string) ([]Rel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Rel
	for _, e := range m.edges[srcID] {
		if relType == "" || e.relType == relType {
			out = append(out, Rel{Type: e.relType, TargetID: e.dst, Props: e.props})
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// NodeCount reports the graph size; test helper.
func (m *MemoryStore) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func unionLabels(a, b []string) []string {
	out := a
	for _, l := range b {
		if !hasLabel(out, l) {
			out = append(out, l)
		}
	}
	return out
}

func matches(props Props, filter Filter) bool {
	for k, want := range filter {
		if props[k] != want {
			return false
		}
	}
	return true
}
