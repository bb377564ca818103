package schema

import (
	"encoding/json"
	"fmt"
)

// SymbolRecord is one indexed symbol. Metadata is an opaque string and is
// never interpreted here.
type SymbolRecord struct {
	ID          string    `json:"id"`
	IndexLevel  string    `json:"index_level"`
	RepoName    string    `json:"repo_name"`
	ModuleName  string    `json:"module_name"`
	ModulePath  string    `json:"module_path"`
	PackageName string    `json:"package_name"`
	SymbolName  string    `json:"symbol_name"`
	FQN         string    `json:"fqn"`
	Summary     string    `json:"summary"`
	Metadata    string    `json:"metadata"`
	Vector      []float32 `json:"-"`
}

// Value returns the scalar field called name, or "" for unknown names.
func (r SymbolRecord) Value(name string) string {
	switch name {
	case FieldID:
		return r.ID
	case FieldIndexLevel:
		return r.IndexLevel
	case FieldRepoName:
		return r.RepoName
	case FieldModuleName:
		return r.ModuleName
	case FieldModulePath:
		return r.ModulePath
	case FieldPackageName:
		return r.PackageName
	case FieldSymbolName:
		return r.SymbolName
	case FieldFQN:
		return r.FQN
	case FieldSummary:
		return r.Summary
	case FieldMetadata:
		return r.Metadata
	}
	return ""
}

// Row flattens the record into the column map written to the store, with
// the vector stored under vectorField.
func (r SymbolRecord) Row(vectorField string) map[string]any {
	row := make(map[string]any, len(scalarFields)+1)
	for _, f := range scalarFields {
		row[f.Name] = r.Value(f.Name)
	}
	row[vectorField] = r.Vector
	return row
}

// DecodeRecord decodes one exported row. Scalar fields use their column
// names as JSON keys and the vector lives under vectorField.
func DecodeRecord(data []byte, vectorField string) (SymbolRecord, error) {
	var rec SymbolRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, &ValidationError{Field: "rows", Reason: fmt.Sprintf("malformed row: %v", err)}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return rec, &ValidationError{Field: "rows", Reason: fmt.Sprintf("malformed row: %v", err)}
	}
	vec, ok := raw[vectorField]
	if !ok {
		return rec, &ValidationError{Field: vectorField, Reason: fmt.Sprintf("missing vector (id %s)", rec.ID)}
	}
	if err := json.Unmarshal(vec, &rec.Vector); err != nil {
		return rec, &ValidationError{Field: vectorField, Reason: fmt.Sprintf("vector is not a number array (id %s)", rec.ID)}
	}
	return rec, nil
}
