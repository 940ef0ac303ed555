package model

import "bytes"

// FieldType enumerates the value types a table field can carry.
type FieldType int32

const (
	FieldTypeInvalid FieldType = iota
	FieldTypeInt32
	FieldTypeInt64
	FieldTypeUint32
	FieldTypeUint64
	FieldTypeDouble
	FieldTypeString
	FieldTypeBlob
	FieldTypeHash128
)

func (t FieldType) String() string {
	switch t {
	case FieldTypeInt32:
		return "int32"
	case FieldTypeInt64:
		return "int64"
	case FieldTypeUint32:
		return "uint32"
	case FieldTypeUint64:
		return "uint64"
	case FieldTypeDouble:
		return "double"
	case FieldTypeString:
		return "string"
	case FieldTypeBlob:
		return "blob"
	case FieldTypeHash128:
		return "hash128"
	default:
		return "invalid"
	}
}

// Value is a single typed field value of a revision.
type Value struct {
	Type   FieldType
	Int    int64
	Uint   uint64
	Double float64
	Str    string
	Blob   []byte
	Hash   Id
}

func Int32Value(v int32) Value     { return Value{Type: FieldTypeInt32, Int: int64(v)} }
func Int64Value(v int64) Value     { return Value{Type: FieldTypeInt64, Int: v} }
func Uint32Value(v uint32) Value   { return Value{Type: FieldTypeUint32, Uint: uint64(v)} }
func Uint64Value(v uint64) Value   { return Value{Type: FieldTypeUint64, Uint: v} }
func DoubleValue(v float64) Value  { return Value{Type: FieldTypeDouble, Double: v} }
func StringValue(v string) Value   { return Value{Type: FieldTypeString, Str: v} }
func BlobValue(v []byte) Value     { return Value{Type: FieldTypeBlob, Blob: v} }
func Hash128Value(v Id) Value      { return Value{Type: FieldTypeHash128, Hash: v} }

// Equal compares type and payload.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case FieldTypeInt32, FieldTypeInt64:
		return v.Int == other.Int
	case FieldTypeUint32, FieldTypeUint64:
		return v.Uint == other.Uint
	case FieldTypeDouble:
		return v.Double == other.Double
	case FieldTypeString:
		return v.Str == other.Str
	case FieldTypeBlob:
		return bytes.Equal(v.Blob, other.Blob)
	case FieldTypeHash128:
		return v.Hash == other.Hash
	default:
		return true
	}
}

func (v Value) copy() Value {
	out := v
	if v.Blob != nil {
		out.Blob = append([]byte(nil), v.Blob...)
	}
	return out
}

// TrackeeMap maps a table name to the set of chunk ids a revision
// references in that table. It supports cross-chunk tracking pointers.
type TrackeeMap map[string]map[Id]struct{}

// Track records a chunk of the named table.
func (m TrackeeMap) Track(table string, chunkID Id) {
	set, ok := m[table]
	if !ok {
		set = make(map[Id]struct{})
		m[table] = set
	}
	set[chunkID] = struct{}{}
}

// Merge adds all entries of other. Reports whether anything changed.
func (m TrackeeMap) Merge(other TrackeeMap) bool {
	changed := false
	for table, set := range other {
		for id := range set {
			if _, ok := m[table][id]; !ok {
				m.Track(table, id)
				changed = true
			}
		}
	}
	return changed
}

// Equal reports deep equality.
func (m TrackeeMap) Equal(other TrackeeMap) bool {
	if len(m) != len(other) {
		return false
	}
	for table, set := range m {
		otherSet, ok := other[table]
		if !ok || len(set) != len(otherSet) {
			return false
		}
		for id := range set {
			if _, ok := otherSet[id]; !ok {
				return false
			}
		}
	}
	return true
}

// Copy returns an independent copy.
func (m TrackeeMap) Copy() TrackeeMap {
	if m == nil {
		return nil
	}
	out := make(TrackeeMap, len(m))
	for table, set := range m {
		outSet := make(map[Id]struct{}, len(set))
		for id := range set {
			outSet[id] = struct{}{}
		}
		out[table] = outSet
	}
	return out
}

// Revision is one immutable version of a row. Once admitted to a row
// container a revision is never modified; the mutators below are only
// used while a revision is staged inside a transaction.
type Revision struct {
	ID         Id
	ChunkID    Id
	InsertTime LogicalTime
	UpdateTime LogicalTime
	Removed    bool
	Fields     []Value
	Trackees   TrackeeMap
}

// NewRevision builds a staged revision with the given id and field count.
func NewRevision(id Id, fieldCount int) *Revision {
	return &Revision{
		ID:       id,
		Fields:   make([]Value, fieldCount),
		Trackees: make(TrackeeMap),
	}
}

// Copy returns a deep copy.
func (r *Revision) Copy() *Revision {
	out := &Revision{
		ID:         r.ID,
		ChunkID:    r.ChunkID,
		InsertTime: r.InsertTime,
		UpdateTime: r.UpdateTime,
		Removed:    r.Removed,
		Fields:     make([]Value, len(r.Fields)),
		Trackees:   r.Trackees.Copy(),
	}
	for i, v := range r.Fields {
		out.Fields[i] = v.copy()
	}
	return out
}

// Set assigns a field value. Valid only for staged revisions.
func (r *Revision) Set(key int, value Value) bool {
	if key < 0 || key >= len(r.Fields) {
		return false
	}
	r.Fields[key] = value
	return true
}

// Get reads a field value.
func (r *Revision) Get(key int) (Value, bool) {
	if key < 0 || key >= len(r.Fields) {
		return Value{}, false
	}
	return r.Fields[key], true
}

// FieldMatch reports whether this revision agrees with other on the
// given field.
func (r *Revision) FieldMatch(other *Revision, key int) bool {
	if key < 0 || key >= len(r.Fields) || key >= len(other.Fields) {
		return false
	}
	return r.Fields[key].Equal(other.Fields[key])
}

// StructureMatch reports whether both revisions carry the same field
// layout.
func (r *Revision) StructureMatch(other *Revision) bool {
	if len(r.Fields) != len(other.Fields) {
		return false
	}
	for i := range r.Fields {
		if r.Fields[i].Type != FieldTypeInvalid && other.Fields[i].Type != FieldTypeInvalid &&
			r.Fields[i].Type != other.Fields[i].Type {
			return false
		}
	}
	return true
}

// Equal reports deep equality of all revision fields.
func (r *Revision) Equal(other *Revision) bool {
	if r.ID != other.ID || r.ChunkID != other.ChunkID ||
		r.InsertTime != other.InsertTime || r.UpdateTime != other.UpdateTime ||
		r.Removed != other.Removed || len(r.Fields) != len(other.Fields) {
		return false
	}
	for i := range r.Fields {
		if !r.Fields[i].Equal(other.Fields[i]) {
			return false
		}
	}
	return r.Trackees.Equal(other.Trackees)
}
