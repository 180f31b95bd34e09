package completion

import (
	"fmt"
	"time"

	pkgerrors "github.com/coursebridge/completion-backend/internal/pkg/errors"
)

// LeafValue is a raw completion signal for one completable block.
type LeafValue struct {
	Completion float64
	Modified   time.Time
}

// Result is the aggregate completion of one block. LastModified carries the
// most recent leaf modification under the block, so freshness survives
// shortcut reuse.
type Result struct {
	Earned       float64
	Possible     float64
	LastModified time.Time
}

// Percent derives the user-facing ratio. A block with nothing possible is
// complete by definition.
func (r Result) Percent() float64 {
	if r.Possible == 0 {
		return 1.0
	}
	return r.Earned / r.Possible
}

// Aggregate computes (earned, possible) for every node reachable from the
// tree root in a single post-order traversal.
//
// shortcut maps block keys to previously stored results for subtrees the
// caller knows are unaffected by any pending change; those subtrees are not
// descended into. Passing a stale shortcut value is a caller bug.
//
// The traversal fails with ErrMalformedTree on a cycle or a dangling child
// reference, and with ErrUnknownBlockType when the classifier cannot place a
// block and has no default.
func Aggregate(tree *Tree, leaves map[string]LeafValue, classifier *Classifier, shortcut map[string]Result) (map[string]Result, error) {
	if _, ok := tree.Nodes[tree.Root]; !ok {
		return nil, fmt.Errorf("%w: root block %q missing", pkgerrors.ErrMalformedTree, tree.Root)
	}
	a := &aggregation{
		tree:       tree,
		leaves:     leaves,
		classifier: classifier,
		shortcut:   shortcut,
		results:    make(map[string]Result, len(tree.Nodes)),
		onStack:    make(map[string]bool),
	}
	if _, err := a.visit(tree.Root); err != nil {
		return nil, err
	}
	return a.results, nil
}

type aggregation struct {
	tree       *Tree
	leaves     map[string]LeafValue
	classifier *Classifier
	shortcut   map[string]Result
	results    map[string]Result
	onStack    map[string]bool
}

func (a *aggregation) visit(blockKey string) (Result, error) {
	if res, ok := a.shortcut[blockKey]; ok {
		a.results[blockKey] = res
		return res, nil
	}
	node, ok := a.tree.Nodes[blockKey]
	if !ok {
		return Result{}, fmt.Errorf("%w: missing block %q", pkgerrors.ErrMalformedTree, blockKey)
	}
	if a.onStack[blockKey] {
		return Result{}, fmt.Errorf("%w: cycle at block %q", pkgerrors.ErrMalformedTree, blockKey)
	}

	mode, err := a.classifier.Classify(node.BlockType)
	if err != nil {
		return Result{}, err
	}

	var res Result
	switch mode {
	case ModeExcluded:
		// Excluded subtrees contribute nothing even when descendants
		// carry completions.
		res = Result{}
	case ModeCompletable:
		// A completable block is a leaf for aggregation purposes even
		// when it structurally has children.
		leaf := a.leaves[node.BlockKey]
		res = Result{
			Earned:       clamp01(leaf.Completion),
			Possible:     1.0,
			LastModified: leaf.Modified,
		}
	case ModeAggregator:
		a.onStack[blockKey] = true
		for _, child := range node.Children {
			childRes, err := a.visit(child)
			if err != nil {
				return Result{}, err
			}
			res.Earned += childRes.Earned
			res.Possible += childRes.Possible
			if childRes.LastModified.After(res.LastModified) {
				res.LastModified = childRes.LastModified
			}
		}
		delete(a.onStack, blockKey)
	}
	a.results[blockKey] = res
	return res, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// AffectedAggregators returns the aggregator blocks whose stored values may
// be invalidated by the changed blocks: every ancestor of every changed
// block. The second return is false when a changed block is no longer in the
// tree, meaning the course structure moved underneath us and nothing can be
// shortcut (the whole tree must be recomputed).
func AffectedAggregators(tree *Tree, changed []string) (map[string]bool, bool) {
	affected := make(map[string]bool)
	for _, blockKey := range changed {
		if _, ok := tree.Nodes[blockKey]; !ok {
			return nil, false
		}
		ancestors, err := tree.Ancestors(blockKey)
		if err != nil {
			return nil, false
		}
		for _, a := range ancestors {
			affected[a] = true
		}
		// The block itself may be an aggregator whose subtree changed.
		affected[blockKey] = true
	}
	return affected, true
}
