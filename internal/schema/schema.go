// Package schema provides the generic structural validator used at every
// phase boundary: given a JSON value and the name of an embedded schema
// definition, it returns pass/fail plus itemized errors.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed schemas.cue
var schemaSrc string

// Definition names accepted by Validate.
const (
	DefEnhancedPrompt = "#EnhancedPrompt"
	DefSemanticPlan   = "#SemanticPlan"
	DefDeclarativeIR  = "#DeclarativeIR"
	DefStepGraph      = "#StepGraph"
)

// Issue is one itemized validation finding.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

var (
	loadOnce   sync.Once
	cueCtx     *cue.Context
	schemaRoot cue.Value
	loadErr    error
)

func load() {
	cueCtx = cuecontext.New()
	schemaRoot = cueCtx.CompileString(schemaSrc, cue.Filename("schemas.cue"))
	if err := schemaRoot.Err(); err != nil {
		loadErr = fmt.Errorf("compile embedded schemas: %w", err)
	}
}

// Validate checks JSON data against the named schema definition.
// Returns the itemized issues found; an empty slice means the value
// conforms. A non-nil error indicates the validator itself could not run
// (unknown definition, broken embedded schema), not a data problem.
func Validate(data []byte, def string) ([]Issue, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return nil, loadErr
	}

	schemaVal := schemaRoot.LookupPath(cue.ParsePath(def))
	if !schemaVal.Exists() {
		return nil, fmt.Errorf("unknown schema definition %q", def)
	}

	expr, err := cuejson.Extract("input.json", data)
	if err != nil {
		return []Issue{{Message: fmt.Sprintf("invalid JSON: %v", err)}}, nil
	}
	dataVal := cueCtx.BuildExpr(expr)
	if err := dataVal.Err(); err != nil {
		return []Issue{{Message: fmt.Sprintf("invalid JSON: %v", err)}}, nil
	}

	unified := schemaVal.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return issuesFromCUE(err), nil
	}
	return nil, nil
}

// issuesFromCUE flattens a CUE error list into itemized issues.
// CUE errors may contain multiple findings; all are surfaced, not just
// the first.
func issuesFromCUE(err error) []Issue {
	var issues []Issue
	for _, e := range cueerrors.Errors(err) {
		issues = append(issues, Issue{
			Path:    strings.Join(e.Path(), "."),
			Message: e.Error(),
		})
	}
	if len(issues) == 0 {
		issues = append(issues, Issue{Message: err.Error()})
	}
	return issues
}
