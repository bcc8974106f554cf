package service

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/lyzr/sitesync/common/models"
)

// VisibilityFilter decides with a CEL rule whether a record may be sent to a
// site. The rule sees site_id, table, record_id and scopes.
//
// Examples:
//
//	true
//	table != "user_permission" || site_id in scopes
//	!(table == "activity_log" && site_id.startsWith("mobile-"))
type VisibilityFilter struct {
	expr    string
	program cel.Program
}

// NewVisibilityFilter compiles expr; an empty rule admits everything
func NewVisibilityFilter(expr string) (*VisibilityFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = "true"
	}

	env, err := cel.NewEnv(
		cel.Variable("site_id", cel.StringType),
		cel.Variable("table", cel.StringType),
		cel.Variable("record_id", cel.StringType),
		cel.Variable("scopes", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("visibility rule must return bool, got %s", out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &VisibilityFilter{expr: expr, program: prg}, nil
}

// Expression returns the compiled rule
func (f *VisibilityFilter) Expression() string { return f.expr }

// Visible evaluates the rule for one record
func (f *VisibilityFilter) Visible(siteID string, table models.TableName, recordID string, scopes []string) (bool, error) {
	if scopes == nil {
		scopes = []string{}
	}

	out, _, err := f.program.Eval(map[string]any{
		"site_id":   siteID,
		"table":     string(table),
		"record_id": recordID,
		"scopes":    scopes,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}

	return result, nil
}
