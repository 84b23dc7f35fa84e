// Package importance compiles user-configured JavaScript expressions
// into change-importance predicates, so a master config can decide which
// changes are worth building without recompiling the server.
package importance

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/me/forge/pkg/model"
)

// Compile turns a JavaScript expression into an ImportanceFunc. The
// expression is evaluated per change with `change` in scope (id, author,
// branch, revision, repository, project, codebase, category, comments,
// files, properties); its result is coerced with JavaScript truthiness.
//
// A compile failure is a configuration error and is returned here;
// a runtime failure surfaces from the returned predicate and the
// scheduler treats that change as ignored.
func Compile(expr string) (model.ImportanceFunc, error) {
	prog, err := goja.Compile("important", expr, false)
	if err != nil {
		return nil, fmt.Errorf("compile importance expression: %w", err)
	}

	return func(c *model.Change) (bool, error) {
		// A fresh VM per evaluation keeps expressions from leaking
		// state into each other.
		vm := goja.New()
		if err := vm.Set("change", changeObject(c)); err != nil {
			return false, fmt.Errorf("set change: %w", err)
		}
		v, err := vm.RunProgram(prog)
		if err != nil {
			return false, fmt.Errorf("evaluate importance expression: %w", err)
		}
		return v.ToBoolean(), nil
	}, nil
}

// changeObject exposes a change to JavaScript as plain data. Property
// values are unwrapped; source labels are not interesting to predicates.
func changeObject(c *model.Change) map[string]any {
	props := make(map[string]any, len(c.Properties))
	for name, v := range c.Properties {
		props[name] = v.Value
	}
	files := c.Files
	if files == nil {
		files = []string{}
	}
	return map[string]any{
		"id":         c.ID,
		"author":     c.Author,
		"branch":     c.Branch,
		"revision":   c.Revision,
		"repository": c.Repository,
		"project":    c.Project,
		"codebase":   c.Codebase,
		"category":   c.Category,
		"comments":   c.Comments,
		"files":      files,
		"properties": props,
	}
}
