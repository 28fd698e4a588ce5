package storygraph

import (
	"fmt"

	"novel-engine/shared/models"
)

// Snapshot returns the serializable form of the graph; nodes keep insertion order.
func (g *Graph) Snapshot() models.GraphSnapshot {
	nodes := make([]*models.StorySegment, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, g.nodes[id].Clone())
	}
	return models.GraphSnapshot{
		Nodes:     nodes,
		RootID:    g.rootID,
		CurrentID: g.currentID,
		ViewedID:  g.viewedID,
	}
}

// FromSnapshot восстанавливает граф и проверяет все инварианты дерева.
// Nodes may appear in any order in the snapshot.
func FromSnapshot(s models.GraphSnapshot) (*Graph, error) {
	if len(s.Nodes) == 0 {
		return nil, ErrEmptyGraph
	}
	g := &Graph{
		nodes:    make(map[string]*models.StorySegment, len(s.Nodes)),
		children: make(map[string][]string),
	}
	for _, n := range s.Nodes {
		if n == nil || n.ID == "" {
			return nil, fmt.Errorf("%w: node without id", ErrInvalidGraph)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
		}
		g.nodes[n.ID] = n.Clone()
		g.order = append(g.order, n.ID)
	}
	for _, id := range g.order {
		if p := g.nodes[id].ParentID; p != "" {
			g.children[p] = append(g.children[p], id)
		}
	}
	g.rootID, g.currentID, g.viewedID = s.RootID, s.CurrentID, s.ViewedID
	if g.viewedID == "" {
		g.viewedID = g.currentID
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate checks the tree invariants: a single parentless root, every parent
// present, no cycles, and both cursors pointing at existing nodes.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return ErrEmptyGraph
	}
	root, ok := g.nodes[g.rootID]
	if !ok {
		return fmt.Errorf("%w: root %q missing", ErrInvalidGraph, g.rootID)
	}
	if root.ParentID != "" {
		return fmt.Errorf("%w: root has a parent", ErrInvalidGraph)
	}
	for id, n := range g.nodes {
		if id == g.rootID {
			continue
		}
		if n.ParentID == "" {
			return fmt.Errorf("%w: second root %s", ErrInvalidGraph, id)
		}
		if _, ok := g.nodes[n.ParentID]; !ok {
			return fmt.Errorf("%w: node %s references missing parent %s", ErrParentNotFound, id, n.ParentID)
		}
	}
	// every node must reach the root
	reached := map[string]bool{g.rootID: true}
	queue := []string{g.rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range g.children[id] {
			if reached[c] {
				return fmt.Errorf("%w: cycle at %s", ErrInvalidGraph, c)
			}
			reached[c] = true
			queue = append(queue, c)
		}
	}
	if len(reached) != len(g.nodes) {
		return fmt.Errorf("%w: %d nodes unreachable from root", ErrInvalidGraph, len(g.nodes)-len(reached))
	}
	if !g.Has(g.currentID) {
		return fmt.Errorf("%w: current cursor %q", ErrInvalidGraph, g.currentID)
	}
	if !g.Has(g.viewedID) {
		return fmt.Errorf("%w: viewed cursor %q", ErrInvalidGraph, g.viewedID)
	}
	return nil
}
