// Package reports provides the audit trail queries: a small filter DSL for
// deployment listings and the yearly per-application report with CSV/JSON
// export.
package reports

import (
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/auditflow/deploywatch/pkg/foureyes"
)

// The filter DSL is a flat chain of field comparisons:
//
//	status = direct_push and year = 2026
//	team = "payments" or team = "billing"
//	has_four_eyes = false and deployer != "dependabot[bot]"
//
// Fields: status, year, app, team, environment, has_four_eyes, deployer.
// Operators: = and !=. Conditions chain left to right with and/or.

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "whitespace", Pattern: `\s+`},
	{Name: "Operator", Pattern: `!=|=`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "String", Pattern: `"[^"]*"`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_\[\]\-\./]*`},
})

var filterParser = participle.MustBuild[filterExpr](
	participle.Lexer(filterLexer),
	participle.Unquote("String"),
)

type filterExpr struct {
	First *filterTerm    `parser:"@@"`
	Rest  []*chainedTerm `parser:"@@*"`
}

type chainedTerm struct {
	Conj string      `parser:"@('and' | 'or')"`
	Term *filterTerm `parser:"@@"`
}

type filterTerm struct {
	Field string       `parser:"@Ident"`
	Op    string       `parser:"@Operator"`
	Value *filterValue `parser:"@@"`
}

type filterValue struct {
	Str   *string `parser:"@String"`
	Int   *int    `parser:"| @Int"`
	Ident *string `parser:"| @Ident"`
}

func (v *filterValue) text() string {
	switch {
	case v.Str != nil:
		return *v.Str
	case v.Int != nil:
		return fmt.Sprintf("%d", *v.Int)
	case v.Ident != nil:
		return *v.Ident
	}
	return ""
}

// Filter is a parsed, compilable deployment filter.
type Filter struct {
	expr *filterExpr
}

// ParseFilter parses the DSL. An empty input yields a filter matching
// everything.
func ParseFilter(input string) (*Filter, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return &Filter{}, nil
	}
	expr, err := filterParser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	return &Filter{expr: expr}, nil
}

// Compile renders the filter as a SQL condition over the deployments table
// joined to applications. Returns an empty condition for an empty filter.
func (f *Filter) Compile() (string, []any, error) {
	if f.expr == nil {
		return "", nil, nil
	}

	sql, args, err := compileTerm(f.expr.First)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	b.WriteString("(" + sql + ")")

	for _, chained := range f.expr.Rest {
		termSQL, termArgs, err := compileTerm(chained.Term)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" " + strings.ToUpper(chained.Conj) + " (" + termSQL + ")")
		args = append(args, termArgs...)
	}
	return b.String(), args, nil
}

func compileTerm(t *filterTerm) (string, []any, error) {
	value := t.Value.text()
	negated := t.Op == "!="

	switch t.Field {
	case "status":
		status, err := foureyes.ParseStatus(value)
		if err != nil {
			return "", nil, fmt.Errorf("filter: %w", err)
		}
		return comparison("deployments.status", negated), []any{status}, nil

	case "year":
		if t.Value.Int == nil {
			return "", nil, fmt.Errorf("filter: year requires a number, got %q", value)
		}
		start := time.Date(*t.Value.Int, 1, 1, 0, 0, 0, 0, time.UTC)
		if negated {
			return "(deployments.created_at < ? OR deployments.created_at >= ?)",
				[]any{start, start.AddDate(1, 0, 0)}, nil
		}
		return "(deployments.created_at >= ? AND deployments.created_at < ?)",
			[]any{start, start.AddDate(1, 0, 0)}, nil

	case "app":
		return comparison("applications.name", negated), []any{value}, nil
	case "team":
		return comparison("applications.team", negated), []any{value}, nil
	case "environment":
		return comparison("applications.environment", negated), []any{value}, nil
	case "deployer":
		return comparison("deployments.deployer", negated), []any{value}, nil

	case "has_four_eyes":
		var b bool
		switch value {
		case "true":
			b = true
		case "false":
			b = false
		default:
			return "", nil, fmt.Errorf("filter: has_four_eyes requires true or false, got %q", value)
		}
		return comparison("deployments.has_four_eyes", negated), []any{b}, nil
	}
	return "", nil, fmt.Errorf("filter: unknown field %q", t.Field)
}

func comparison(column string, negated bool) string {
	if negated {
		return column + " <> ?"
	}
	return column + " = ?"
}
