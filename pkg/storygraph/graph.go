package storygraph

import (
	"errors"
	"fmt"
	"time"

	"novel-engine/shared/models"

	"github.com/google/uuid"
)

var (
	ErrDuplicateID    = errors.New("node id already exists")
	ErrParentNotFound = errors.New("parent node not found")
	ErrInvalidGraph   = errors.New("invalid story graph")
	ErrEmptyGraph     = errors.New("story graph has no root")
)

// Graph - дерево узлов истории в виде арены с курсорами current и viewed.
// Graph is not safe for concurrent use; the owner serializes access.
type Graph struct {
	nodes    map[string]*models.StorySegment
	children map[string][]string
	order    []string

	rootID    string
	currentID string
	viewedID  string
}

// NewWithRoot создает граф, состоящий из единственного корневого узла.
func NewWithRoot(root *models.StorySegment) (*Graph, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: root is nil", ErrInvalidGraph)
	}
	if root.ParentID != "" {
		return nil, fmt.Errorf("%w: root must not have a parent", ErrInvalidGraph)
	}
	g := &Graph{
		nodes:    make(map[string]*models.StorySegment),
		children: make(map[string][]string),
	}
	n := prepare(root)
	g.insert(n)
	g.rootID = n.ID
	g.currentID = n.ID
	g.viewedID = n.ID
	return g, nil
}

func prepare(node *models.StorySegment) *models.StorySegment {
	n := node.Clone()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return n
}

func (g *Graph) insert(n *models.StorySegment) {
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	if n.ParentID != "" {
		g.children[n.ParentID] = append(g.children[n.ParentID], n.ID)
	}
}

// AppendChild adds node under parentID and returns the stored copy.
// An empty node ID gets a fresh uuid. Cursors are not moved.
func (g *Graph) AppendChild(parentID string, node *models.StorySegment) (*models.StorySegment, error) {
	if node == nil {
		return nil, fmt.Errorf("%w: node is nil", ErrInvalidGraph)
	}
	if _, ok := g.nodes[parentID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
	}
	n := prepare(node)
	if _, exists := g.nodes[n.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, n.ID)
	}
	n.ParentID = parentID
	g.insert(n)
	return n.Clone(), nil
}

// Get returns a copy of the node.
func (g *Graph) Get(id string) (*models.StorySegment, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNodeNotFound, id)
	}
	return n.Clone(), nil
}

// Has reports whether a node with the id exists.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

func (g *Graph) RootID() string    { return g.rootID }
func (g *Graph) CurrentID() string { return g.currentID }
func (g *Graph) ViewedID() string  { return g.viewedID }

// Current returns a copy of the current leaf.
func (g *Graph) Current() *models.StorySegment {
	return g.nodes[g.currentID].Clone()
}

// Viewed returns a copy of the node under the viewed cursor.
func (g *Graph) Viewed() *models.StorySegment {
	return g.nodes[g.viewedID].Clone()
}

// SetCurrent moves the cursor at which new nodes are appended.
func (g *Graph) SetCurrent(id string) error {
	if !g.Has(id) {
		return fmt.Errorf("%w: %s", models.ErrNodeNotFound, id)
	}
	g.currentID = id
	return nil
}

// SetViewed moves only the viewed cursor; the tree is untouched.
func (g *Graph) SetViewed(id string) error {
	if !g.Has(id) {
		return fmt.Errorf("%w: %s", models.ErrNodeNotFound, id)
	}
	g.viewedID = id
	return nil
}

// Path returns copies of the nodes from the root down to id, inclusive.
func (g *Graph) Path(id string) ([]*models.StorySegment, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNodeNotFound, id)
	}
	var rev []*models.StorySegment
	for steps := 0; n != nil; steps++ {
		if steps > len(g.nodes) {
			return nil, fmt.Errorf("%w: cycle detected at %s", ErrInvalidGraph, n.ID)
		}
		rev = append(rev, n.Clone())
		if n.ParentID == "" {
			break
		}
		n = g.nodes[n.ParentID]
	}
	path := make([]*models.StorySegment, len(rev))
	for i := range rev {
		path[len(rev)-1-i] = rev[i]
	}
	return path, nil
}

// Children returns copies of the direct children of id in insertion order.
func (g *Graph) Children(id string) []*models.StorySegment {
	ids := g.children[id]
	out := make([]*models.StorySegment, 0, len(ids))
	for _, cid := range ids {
		out = append(out, g.nodes[cid].Clone())
	}
	return out
}

// Leaves returns the ids of all nodes without children in insertion order.
func (g *Graph) Leaves() []string {
	var leaves []string
	for _, id := range g.order {
		if len(g.children[id]) == 0 {
			leaves = append(leaves, id)
		}
	}
	return leaves
}

// UpdateNode applies fn to a copy of the node and stores the result.
// Identity fields (id, parent, role, creation time) cannot be changed this way.
func (g *Graph) UpdateNode(id string, fn func(n *models.StorySegment)) (*models.StorySegment, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNodeNotFound, id)
	}
	upd := n.Clone()
	fn(upd)
	upd.ID, upd.ParentID, upd.Role, upd.CreatedAt = n.ID, n.ParentID, n.Role, n.CreatedAt
	g.nodes[id] = upd
	return upd.Clone(), nil
}

// AttachSummary stores a summary snapshot on the node.
func (g *Graph) AttachSummary(id string, summary *models.SummarySnapshot) error {
	_, err := g.UpdateNode(id, func(n *models.StorySegment) {
		n.Summary = summary
	})
	return err
}

// ContextWindow returns the nearest summary on the path to id (or nil) and the
// raw nodes that follow it, root-first.
func (g *Graph) ContextWindow(id string) (*models.SummarySnapshot, []*models.StorySegment, error) {
	path, err := g.Path(id)
	if err != nil {
		return nil, nil, err
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Summary != nil {
			return path[i].Summary, path[i+1:], nil
		}
	}
	return nil, path, nil
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes:     make(map[string]*models.StorySegment, len(g.nodes)),
		children:  make(map[string][]string, len(g.children)),
		order:     append([]string(nil), g.order...),
		rootID:    g.rootID,
		currentID: g.currentID,
		viewedID:  g.viewedID,
	}
	for id, n := range g.nodes {
		c.nodes[id] = n.Clone()
	}
	for id, ch := range g.children {
		c.children[id] = append([]string(nil), ch...)
	}
	return c
}
