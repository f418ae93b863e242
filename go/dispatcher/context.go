package dispatcher

import "github.com/google/uuid"

// Family tags which dedupable/fixed task family a TaskContext belongs to
// (§3, §4.2).
type Family int

const (
	FamilyGitFetch Family = iota
	FamilyGlobHash
	FamilySourceCheckout
	FamilyInstantiateBackend
	FamilySourceMetadata
	FamilyCondaSolve
	FamilyPixiSolve
	FamilyBuildCacheStatus
	FamilyInstall
	FamilySourceBuild
)

func (f Family) String() string {
	switch f {
	case FamilyGitFetch:
		return "git-fetch"
	case FamilyGlobHash:
		return "glob-hash"
	case FamilySourceCheckout:
		return "source-checkout"
	case FamilyInstantiateBackend:
		return "instantiate-backend"
	case FamilySourceMetadata:
		return "source-metadata"
	case FamilyCondaSolve:
		return "conda-solve"
	case FamilyPixiSolve:
		return "pixi-solve"
	case FamilyBuildCacheStatus:
		return "build-cache-status"
	case FamilyInstall:
		return "install"
	case FamilySourceBuild:
		return "source-build"
	default:
		return "unknown"
	}
}

// TaskContext is a tagged identifier for an in-flight task. It forms an edge
// from a parent task to each sub-task it spawns by pointing at the parent's
// own TaskContext; the set of edges is acyclic by enforcement, not by
// construction (see ContainsKey and Submit in dedup.go).
type TaskContext struct {
	Family Family
	Key    string
	Parent *TaskContext
	TaskID string
}

// ContainsKey walks the context upward from c (inclusive) looking for an
// ancestor tagged with the given family and key. It is the synchronous
// cycle check required by §4.2 and invariant 2 of §8: it never touches
// orchestrator state and so never mutates a pending slot.
func (c *TaskContext) ContainsKey(family Family, key string) bool {
	for t := c; t != nil; t = t.Parent {
		if t.Family == family && t.Key == key {
			return true
		}
	}
	return false
}

// child returns a new TaskContext for a sub-task of the given family/key,
// with c as its parent. c may be nil (top-level submission). Each child gets
// its own TaskID so repeated submissions under the same Family/Key are still
// distinguishable in logs across retries.
func (c *TaskContext) child(family Family, key string) *TaskContext {
	return &TaskContext{Family: family, Key: key, Parent: c, TaskID: uuid.NewString()}
}
