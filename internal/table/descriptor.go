package table

import (
	"github.com/yangdegang/map-api/internal/model"
)

// FieldDeclaration declares one table column.
type FieldDeclaration struct {
	Name string
	Type model.FieldType
}

// Descriptor declares a table: its name and field layout. Field keys
// are positional.
type Descriptor struct {
	Name   string
	Fields []FieldDeclaration
}

// FieldTypes returns the declared types in field order.
func (d *Descriptor) FieldTypes() []model.FieldType {
	types := make([]model.FieldType, len(d.Fields))
	for i, f := range d.Fields {
		types[i] = f.Type
	}
	return types
}

// FieldIndex returns the key of the named field, or -1.
func (d *Descriptor) FieldIndex(name string) int {
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// NewRevision builds a staged revision matching the table's layout.
func (d *Descriptor) NewRevision(id model.Id) *model.Revision {
	return model.NewRevision(id, len(d.Fields))
}
