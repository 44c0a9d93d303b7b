package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrPathUnderSelected is returned when fewer children than the
	// threshold are selected for a node.
	ErrPathUnderSelected = errors.New("not enough branches selected")

	// ErrPathOverSelected is returned when more children than the
	// threshold are selected for a node.
	ErrPathOverSelected = errors.New("too many branches selected")

	// ErrPathIndexOutOfRange is returned when a selected index doesn't
	// refer to a child of the node.
	ErrPathIndexOutOfRange = errors.New("selected branch out of range")

	// ErrPathDuplicateIndex is returned when an index is selected twice
	// for the same node.
	ErrPathDuplicateIndex = errors.New("branch selected twice")

	// ErrPathUnknownNode is returned when the path selects branches of a
	// node that isn't part of the policy or isn't reached by the
	// selected branches.
	ErrPathUnknownNode = errors.New("selection for unreachable node")
)

// ValidatePath checks that a path map fully and unambiguously selects a way to
// satisfy the policy. Starting at the root, every reached threshold node with
// k < n must have exactly k distinct, in range child indices selected, and the
// selected children are reached in turn. A node with k == n reaches all of its
// children and needs no selection, though an explicit one listing every child
// is accepted. Selections for nodes that aren't reached are rejected, while
// empty selections are ignored.
func (p *Policy) ValidatePath(path map[string][]int) error {
	reached := make(map[string]struct{})
	if err := validateNode(p.Root, path, reached); err != nil {
		return err
	}

	for id, indices := range path {
		if len(indices) == 0 {
			continue
		}

		if _, ok := reached[id]; !ok {
			return fmt.Errorf("%w: %s", ErrPathUnknownNode, id)
		}
	}

	return nil
}

// validateNode checks the selection of n and recurses into the children it
// reaches.
func validateNode(n *Node, path map[string][]int,
	reached map[string]struct{}) error {

	if n.Kind != KindThresh {
		return nil
	}
	reached[n.ID] = struct{}{}

	selected, err := selectedChildren(n, path[n.ID])
	if err != nil {
		return err
	}

	for _, idx := range selected {
		err := validateNode(n.Children[idx], path, reached)
		if err != nil {
			return err
		}
	}

	return nil
}

// selectedChildren returns the child indices of n reached by the selection.
func selectedChildren(n *Node, indices []int) ([]int, error) {
	if len(indices) == 0 {
		if n.Threshold == len(n.Children) {
			all := make([]int, len(n.Children))
			for i := range all {
				all[i] = i
			}

			return all, nil
		}

		return nil, fmt.Errorf("%w: node %s needs %d of %d, got 0",
			ErrPathUnderSelected, n.ID, n.Threshold, len(n.Children))
	}

	seen := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(n.Children) {
			return nil, fmt.Errorf("%w: node %s has %d children, "+
				"got index %d", ErrPathIndexOutOfRange, n.ID,
				len(n.Children), idx)
		}

		if _, ok := seen[idx]; ok {
			return nil, fmt.Errorf("%w: node %s index %d",
				ErrPathDuplicateIndex, n.ID, idx)
		}
		seen[idx] = struct{}{}
	}

	switch {
	case len(indices) < n.Threshold:
		return nil, fmt.Errorf("%w: node %s needs %d of %d, got %d",
			ErrPathUnderSelected, n.ID, n.Threshold,
			len(n.Children), len(indices))

	case len(indices) > n.Threshold:
		return nil, fmt.Errorf("%w: node %s needs %d of %d, got %d",
			ErrPathOverSelected, n.ID, n.Threshold,
			len(n.Children), len(indices))
	}

	return indices, nil
}
