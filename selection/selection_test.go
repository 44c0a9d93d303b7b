package selection

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSelectDeselect walks through select and deselect including their
// idempotence.
func TestSelectDeselect(t *testing.T) {
	t.Parallel()

	s := New()

	// Selecting keeps first-selection order and ignores repeats.
	s.Select("n1", 0)
	s.Select("n1", 2)
	s.Select("n1", 0)
	require.Equal(t, PathMap{"n1": {0, 2}}, s.Extract())

	// Deselecting something not selected changes nothing.
	s.Deselect("n1", 1)
	s.Deselect("unknown", 0)
	require.Equal(t, PathMap{"n1": {0, 2}}, s.Extract())

	// Deselecting twice is the same as once.
	s.Deselect("n1", 0)
	s.Deselect("n1", 0)
	require.Equal(t, PathMap{"n1": {2}}, s.Extract())

	// Clearing the last index leaves an empty entry.
	s.Deselect("n1", 2)
	require.Equal(t, PathMap{"n1": {}}, s.Extract())
}

// TestSelectionPartialSelection covers a policy branch with a threshold of
// two out of three where only one index has been selected so far.
func TestSelectionPartialSelection(t *testing.T) {
	t.Parallel()

	// Arrange: The root is an OR and its first child is a 2-of-3.
	s := New()

	// Act: Pick the first OR branch, a single signer below it, then swap
	// the root selection to the second branch.
	s.Select("root", 0)
	s.Select("multi", 1)
	first := s.Extract()

	s.Deselect("root", 0)
	s.Select("root", 1)
	second := s.Extract()

	// Assert: Each snapshot reflects the state at the time it was taken
	// and partial selections are allowed.
	require.Equal(t, PathMap{"root": {0}, "multi": {1}}, first)
	require.Equal(t, PathMap{"root": {1}, "multi": {1}}, second)
}

// TestExtractIsSnapshot checks that extracted maps never alias the live
// selection.
func TestExtractIsSnapshot(t *testing.T) {
	t.Parallel()

	s := New()
	s.Select("n1", 0)

	snapshot := s.Extract()

	// Mutating the snapshot doesn't change the selection.
	snapshot["n1"][0] = 7
	snapshot["n2"] = []int{1}
	require.Equal(t, PathMap{"n1": {0}}, s.Extract())

	// Mutating the selection doesn't change an earlier snapshot.
	fresh := s.Extract()
	s.Select("n1", 3)
	require.Equal(t, PathMap{"n1": {0}}, fresh)
}

// TestReset checks that Reset empties the selection.
func TestReset(t *testing.T) {
	t.Parallel()

	s := New()
	s.Select("n1", 0)
	s.Reset()
	require.Empty(t, s.Extract())
}

// TestNodeHandle checks that a handle only touches its own node.
func TestNodeHandle(t *testing.T) {
	t.Parallel()

	s := New()
	h := s.Node("n1")
	require.Equal(t, "n1", h.ID())

	h.Select(1)
	h.Select(0)
	s.Select("n2", 4)

	require.Equal(t, []int{1, 0}, h.Selected())
	require.True(t, h.IsSelected(0))
	require.False(t, h.IsSelected(4))

	h.Deselect(1)
	require.Equal(t, PathMap{"n1": {0}, "n2": {4}}, s.Extract())
}

// TestConcurrentSelect checks that concurrent use keeps indices unique.
func TestConcurrentSelect(t *testing.T) {
	t.Parallel()

	s := New()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := range 50 {
				s.Select(fmt.Sprintf("n%d", j%4), i%3)
			}
		}()
	}
	wg.Wait()

	for id, indices := range s.Extract() {
		require.ElementsMatch(t, []int{0, 1, 2}, indices, id)
	}
}
