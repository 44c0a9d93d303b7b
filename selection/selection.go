// Package selection records which branches of a policy the user intends to
// satisfy.
package selection

import (
	"slices"
	"sync"
)

// PathMap maps a policy node ID to the ordered list of selected child
// indices. Indices are unique per node.
type PathMap map[string][]int

// Clone returns a deep copy of the map.
func (m PathMap) Clone() PathMap {
	out := make(PathMap, len(m))
	for id, indices := range m {
		out[id] = slices.Clone(indices)
	}

	return out
}

// Selection is the mutable path selection of a session. It accepts any node
// ID and index: whether the selection fits the policy is checked by the
// consumer of the extracted map.
type Selection struct {
	mu    sync.Mutex
	paths PathMap
}

// New returns an empty Selection.
func New() *Selection {
	return &Selection{
		paths: make(PathMap),
	}
}

// Select marks child index of nodeID as selected. Selecting an index twice
// has no effect, and indices keep the order they were first selected in.
func (s *Selection) Select(nodeID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.paths[nodeID], index) {
		return
	}
	s.paths[nodeID] = append(s.paths[nodeID], index)

	log.Tracef("Selected branch %d of node %s", index, nodeID)
}

// Deselect clears child index of nodeID. Deselecting an index that isn't
// selected has no effect. A node whose last index is cleared stays in the
// map with an empty list.
func (s *Selection) Deselect(nodeID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices, ok := s.paths[nodeID]
	if !ok {
		return
	}

	pos := slices.Index(indices, index)
	if pos < 0 {
		return
	}
	s.paths[nodeID] = slices.Delete(indices, pos, pos+1)

	log.Tracef("Deselected branch %d of node %s", index, nodeID)
}

// Selected returns a copy of the indices selected for nodeID.
func (s *Selection) Selected(nodeID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.paths[nodeID])
}

// Extract returns a snapshot of the selection. Later changes to the
// selection don't affect the snapshot and vice versa.
func (s *Selection) Extract() PathMap {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.paths.Clone()
}

// Reset discards every selection.
func (s *Selection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paths = make(PathMap)
}

// Node returns a handle that can only change the selection of nodeID.
func (s *Selection) Node(nodeID string) *NodeHandle {
	return &NodeHandle{
		sel:    s,
		nodeID: nodeID,
	}
}

// NodeHandle is the capability handed to the view of a single policy node.
type NodeHandle struct {
	sel    *Selection
	nodeID string
}

// ID returns the node the handle is bound to.
func (h *NodeHandle) ID() string {
	return h.nodeID
}

// Select marks a child of the node as selected.
func (h *NodeHandle) Select(index int) {
	h.sel.Select(h.nodeID, index)
}

// Deselect clears a child of the node.
func (h *NodeHandle) Deselect(index int) {
	h.sel.Deselect(h.nodeID, index)
}

// Selected returns the selected children of the node.
func (h *NodeHandle) Selected() []int {
	return h.sel.Selected(h.nodeID)
}

// IsSelected reports whether a child of the node is selected.
func (h *NodeHandle) IsSelected(index int) bool {
	return slices.Contains(h.Selected(), index)
}
