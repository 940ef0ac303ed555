package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yangdegang/map-api/internal/model"
)

func TestValidateTableName(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "poses"},
		{name: "mixed", input: "Landmarks_v2-test"},
		{name: "empty", input: "", wantErr: true},
		{name: "space", input: "two words", wantErr: true},
		{name: "colon", input: "a:b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateTableName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateFieldTypes(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateFieldTypes([]model.FieldType{model.FieldTypeString, model.FieldTypeInt64}))
	assert.Error(t, v.ValidateFieldTypes(nil))
	assert.Error(t, v.ValidateFieldTypes([]model.FieldType{model.FieldType(99)}))
}

func TestValidateRevision(t *testing.T) {
	v := NewValidator()
	types := []model.FieldType{model.FieldTypeString, model.FieldTypeInt64}

	rev := model.NewRevision(model.NewId(), 2)
	rev.Set(0, model.StringValue("x"))
	assert.NoError(t, v.ValidateRevision(rev, types))

	// Unset fields are fine, mismatched types are not.
	rev.Set(1, model.DoubleValue(1.5))
	assert.Error(t, v.ValidateRevision(rev, types))

	short := model.NewRevision(model.NewId(), 1)
	assert.Error(t, v.ValidateRevision(short, types))

	invalid := model.NewRevision(model.InvalidId, 2)
	assert.Error(t, v.ValidateRevision(invalid, types))

	assert.Error(t, v.ValidateRevision(nil, types))
}
