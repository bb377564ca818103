// Package schema holds the static, versioned descriptor of the symbol collection.
// The same descriptor is used to provision collections and to validate rows
// before they are written, so the two can never drift apart.
package schema

import (
	"fmt"
	"strings"
)

// Version identifies the field layout below. Bump it whenever a field is
// added, removed or resized; existing collections must then be reset.
const Version = 1

// Description is attached to every collection created from this descriptor.
const Description = "IDEA Enhanced Context symbols"

// FieldType is the store-level type of a field.
type FieldType string

const (
	VarChar     FieldType = "VarChar"
	FloatVector FieldType = "FloatVector"
)

// Field describes one scalar column of the symbol collection.
type Field struct {
	Name      string
	Type      FieldType
	MaxLength int
	Primary   bool
}

// Scalar field names.
const (
	FieldID          = "id"
	FieldIndexLevel  = "index_level"
	FieldRepoName    = "repo_name"
	FieldModuleName  = "module_name"
	FieldModulePath  = "module_path"
	FieldPackageName = "package_name"
	FieldSymbolName  = "symbol_name"
	FieldFQN         = "fqn"
	FieldSummary     = "summary"
	FieldMetadata    = "metadata"
)

var scalarFields = []Field{
	{Name: FieldID, Type: VarChar, MaxLength: 512, Primary: true},
	{Name: FieldIndexLevel, Type: VarChar, MaxLength: 32},
	{Name: FieldRepoName, Type: VarChar, MaxLength: 256},
	{Name: FieldModuleName, Type: VarChar, MaxLength: 256},
	{Name: FieldModulePath, Type: VarChar, MaxLength: 512},
	{Name: FieldPackageName, Type: VarChar, MaxLength: 512},
	{Name: FieldSymbolName, Type: VarChar, MaxLength: 512},
	{Name: FieldFQN, Type: VarChar, MaxLength: 1024},
	{Name: FieldSummary, Type: VarChar, MaxLength: 2048},
	{Name: FieldMetadata, Type: VarChar, MaxLength: 8192},
}

// ScalarFields returns a copy of the scalar field list in declaration order.
func ScalarFields() []Field {
	out := make([]Field, len(scalarFields))
	copy(out, scalarFields)
	return out
}

// OutputFields returns every scalar field name, i.e. the full field set
// without the vector. It is the default projection for queries.
func OutputFields() []string {
	names := make([]string, len(scalarFields))
	for i, f := range scalarFields {
		names[i] = f.Name
	}
	return names
}

// IsScalarField reports whether name is part of the scalar field set.
func IsScalarField(name string) bool {
	for _, f := range scalarFields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// MaxLength returns the byte limit of the scalar field name, or 0 when
// name is not a scalar field.
func MaxLength(name string) int {
	for _, f := range scalarFields {
		if f.Name == name {
			return f.MaxLength
		}
	}
	return 0
}

// Index describes the vector index created on a collection.
type Index struct {
	Name   string
	Type   string
	Metric string
	Params map[string]any
}

// DefaultIndex returns the IVF_FLAT / inner product index for vectorField.
func DefaultIndex(vectorField string) Index {
	return Index{
		Name:   vectorField + "_ivf_flat",
		Type:   "IVF_FLAT",
		Metric: "IP",
		Params: map[string]any{"nlist": 1024},
	}
}

// Collection is the provisioning descriptor of one symbol collection.
type Collection struct {
	Name        string
	VectorField string
	Dimension   int
}

// Validate checks that the descriptor can be provisioned.
func (c Collection) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "collectionName", Reason: "is required"}
	}
	if strings.TrimSpace(c.VectorField) == "" {
		return &ValidationError{Field: "vectorField", Reason: "is required"}
	}
	if IsScalarField(c.VectorField) {
		return &ValidationError{Field: "vectorField", Reason: fmt.Sprintf("%q collides with a scalar field", c.VectorField)}
	}
	if c.Dimension <= 0 {
		return &ValidationError{Field: "dimension", Reason: "must be a positive integer"}
	}
	return nil
}

// ValidateRecord checks a record against the descriptor: non-empty id,
// string lengths within the field limits and a vector of exactly
// Dimension components.
func (c Collection) ValidateRecord(r SymbolRecord) error {
	if r.ID == "" {
		return &ValidationError{Field: FieldID, Reason: "is required"}
	}
	for _, f := range scalarFields {
		if n := len(r.Value(f.Name)); n > f.MaxLength {
			return &ValidationError{
				Field:  f.Name,
				Reason: fmt.Sprintf("length %d exceeds max %d (id %s)", n, f.MaxLength, r.ID),
			}
		}
	}
	if len(r.Vector) != c.Dimension {
		return &ValidationError{
			Field:  c.VectorField,
			Reason: fmt.Sprintf("length %d does not match dimension %d (id %s)", len(r.Vector), c.Dimension, r.ID),
		}
	}
	return nil
}
