package validation

import (
	"fmt"

	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/model"
)

const (
	maxTableNameLength = 128
	maxFieldCount      = 256
	maxBlobSize        = 16 << 20 // 16MB
)

// Validator performs well-formedness checks at the API boundary.
type Validator struct{}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTableName checks that a table name is usable as a message
// routing key and a chord directory key.
func (v *Validator) ValidateTableName(name string) error {
	if name == "" {
		return errors.InvalidTable(name, "name is empty")
	}
	if len(name) > maxTableNameLength {
		return errors.InvalidTable(name, fmt.Sprintf("name exceeds %d characters", maxTableNameLength))
	}
	for _, r := range name {
		if !(r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return errors.InvalidTable(name, fmt.Sprintf("illegal character %q", r))
		}
	}
	return nil
}

// ValidateFieldTypes checks a table's declared field types.
func (v *Validator) ValidateFieldTypes(types []model.FieldType) error {
	if len(types) == 0 {
		return errors.InvalidArgument("table declares no fields", nil)
	}
	if len(types) > maxFieldCount {
		return errors.InvalidArgument(
			fmt.Sprintf("table declares %d fields, maximum is %d", len(types), maxFieldCount), nil)
	}
	for i, t := range types {
		if t <= model.FieldTypeInvalid || t > model.FieldTypeHash128 {
			return errors.InvalidArgument(fmt.Sprintf("field %d has invalid type", i), nil)
		}
	}
	return nil
}

// ValidateRevision checks a staged revision against the declared field
// types before it enters a transaction.
func (v *Validator) ValidateRevision(rev *model.Revision, types []model.FieldType) error {
	if rev == nil {
		return errors.InvalidRevision("nil revision")
	}
	if !rev.ID.IsValid() {
		return errors.InvalidRevision("invalid id")
	}
	if len(rev.Fields) != len(types) {
		return errors.InvalidRevision(
			fmt.Sprintf("field count %d does not match table's %d", len(rev.Fields), len(types)))
	}
	for i, value := range rev.Fields {
		if value.Type == model.FieldTypeInvalid {
			continue // unset field
		}
		if value.Type != types[i] {
			return errors.InvalidRevision(
				fmt.Sprintf("field %d has type %s, table declares %s", i, value.Type, types[i]))
		}
		if value.Type == model.FieldTypeBlob && len(value.Blob) > maxBlobSize {
			return errors.InvalidRevision(
				fmt.Sprintf("field %d blob exceeds %d bytes", i, maxBlobSize))
		}
	}
	return nil
}
