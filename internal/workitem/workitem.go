// Package workitem turns plain Go test functions into model.WorkItems, so
// the Scheduler/Pool can run non-Gherkin work through the exact same code
// path as BDD scenarios.
package workitem

import (
	"context"

	"github.com/google/uuid"

	"github.com/rik9564/browsecraft/internal/model"
)

// PlainTest is a single user-supplied test: a name plus the function the
// Pool's Executor will invoke through whatever Executor closure the
// caller wires up (the loader itself holds no execution logic, only
// identity and metadata).
type PlainTest struct {
	Name string
	File string
	SuitePath string
	Tags []string
	Run func(ctx context.Context, handle any) error
}

// Loader turns a slice of PlainTests into WorkItems, assigning a stable
// id to any test that doesn't already have one derivable from File+Name.
type Loader struct {
	byID map[string]PlainTest
}

// NewLoader constructs an empty Loader.
func NewLoader() *Loader {
	return &Loader{byID: map[string]PlainTest{}}
}

// Load registers tests and returns their WorkItems in the same order.
// Ids are derived deterministically from File+Name when both are
// non-empty (stable across repeated runs of the same suite); otherwise a
// fresh uuid is assigned, matching the role google/uuid plays for
// WorkItem.ID throughout the rest of the core.
func (l *Loader) Load(tests []PlainTest) []model.WorkItem {
	out := make([]model.WorkItem, 0, len(tests))
	for _, t := range tests {
		id := stableID(t)
		l.byID[id] = t
		out = append(out, model.WorkItem{
			ID: id,
			Title: t.Name,
			File: t.File,
			SuitePath: t.SuitePath,
			Tags: t.Tags,
		})
	}
	return out
}

func stableID(t PlainTest) string {
	if t.File != "" && t.Name != "" {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.File+"::"+t.Name)).String()
	}
	return uuid.NewString()
}

// Lookup returns the PlainTest registered under id, if any.
func (l *Loader) Lookup(id string) (PlainTest, bool) {
	t, ok := l.byID[id]
	return t, ok
}

// Executor adapts a Loader into a pool.Executor-shaped function: it
// looks up the PlainTest by the WorkItem's id and invokes its Run
// closure against whatever handle the worker holds.
func (l *Loader) Executor() func(ctx context.Context, item model.WorkItem, handle any) error {
	return func(ctx context.Context, item model.WorkItem, handle any) error {
		t, ok := l.Lookup(item.ID)
		if !ok {
			return unknownItemError{id: item.ID}
		}
		return t.Run(ctx, handle)
	}
}

type unknownItemError struct{ id string }

func (e unknownItemError) Error() string { return "workitem: unknown item id " + e.id }
