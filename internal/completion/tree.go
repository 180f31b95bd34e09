package completion

import (
	"context"
	"fmt"

	pkgerrors "github.com/coursebridge/completion-backend/internal/pkg/errors"
)

// Node is one block in a course tree. Parent links are lookup-only; children
// hold the traversal order.
type Node struct {
	BlockKey  string   `json:"block_key"`
	BlockType string   `json:"block_type"`
	Parent    string   `json:"parent,omitempty"`
	Children  []string `json:"children,omitempty"`
}

// Tree is an immutable snapshot of a course's block hierarchy, stored as an
// arena of nodes indexed by block key.
type Tree struct {
	CourseKey string           `json:"course_key"`
	Root      string           `json:"root"`
	Nodes     map[string]*Node `json:"nodes"`
}

// TreeProvider supplies course trees. Implemented by the content service
// client; fails with ErrCourseNotFound for absent courses.
type TreeProvider interface {
	GetTree(ctx context.Context, courseKey string) (*Tree, error)
}

func (t *Tree) Node(blockKey string) (*Node, bool) {
	n, ok := t.Nodes[blockKey]
	return n, ok
}

// Validate checks structural integrity: the root exists, every child
// reference resolves, and no node is reachable through two parents (which
// also rules out cycles among reachable nodes).
func (t *Tree) Validate() error {
	root, ok := t.Nodes[t.Root]
	if !ok {
		return fmt.Errorf("%w: root block %q missing", pkgerrors.ErrMalformedTree, t.Root)
	}
	if root.Parent != "" {
		return fmt.Errorf("%w: root block %q has parent %q", pkgerrors.ErrMalformedTree, t.Root, root.Parent)
	}
	seen := map[string]bool{t.Root: true}
	stack := []string{t.Root}
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := t.Nodes[key]
		for _, child := range node.Children {
			if _, ok := t.Nodes[child]; !ok {
				return fmt.Errorf("%w: block %q references missing child %q", pkgerrors.ErrMalformedTree, key, child)
			}
			if seen[child] {
				return fmt.Errorf("%w: block %q reachable through multiple parents", pkgerrors.ErrMalformedTree, child)
			}
			seen[child] = true
			stack = append(stack, child)
		}
	}
	return nil
}

// Ancestors walks parent links from blockKey up to the root, excluding the
// block itself. The visited guard keeps a corrupt parent chain from looping.
func (t *Tree) Ancestors(blockKey string) ([]string, error) {
	node, ok := t.Nodes[blockKey]
	if !ok {
		return nil, fmt.Errorf("%w: block %q not in tree", pkgerrors.ErrMalformedTree, blockKey)
	}
	var out []string
	visited := map[string]bool{blockKey: true}
	for node.Parent != "" {
		if visited[node.Parent] {
			return nil, fmt.Errorf("%w: parent cycle at %q", pkgerrors.ErrMalformedTree, node.Parent)
		}
		visited[node.Parent] = true
		out = append(out, node.Parent)
		parent, ok := t.Nodes[node.Parent]
		if !ok {
			return nil, fmt.Errorf("%w: block %q references missing parent %q", pkgerrors.ErrMalformedTree, node.BlockKey, node.Parent)
		}
		node = parent
	}
	return out, nil
}
