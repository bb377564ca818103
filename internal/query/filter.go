package query

import (
	"strings"

	"github.com/iasik/symbol-indexer/internal/schema"
	"github.com/iasik/symbol-indexer/internal/vectordb"
)

// literalEscaper escapes the characters that would terminate or corrupt a
// double-quoted literal in a filter expression.
var literalEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// CompileFilter turns a structured filter into a store expression.
// The module clause comes first, the level disjunction second, joined by
// " and ". ok is false when the filter matches everything.
func CompileFilter(f vectordb.Filter) (expr string, ok bool) {
	var clauses []string

	if f.Module != "" {
		clauses = append(clauses, equals(schema.FieldModuleName, f.Module))
	}

	if len(f.Levels) > 0 {
		parts := make([]string, len(f.Levels))
		for i, level := range f.Levels {
			parts[i] = equals(schema.FieldIndexLevel, level)
		}
		clauses = append(clauses, "("+strings.Join(parts, " or ")+")")
	}

	if len(clauses) == 0 {
		return "", false
	}
	return strings.Join(clauses, " and "), true
}

func equals(field, value string) string {
	return field + ` == "` + literalEscaper.Replace(value) + `"`
}
