package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire format of a revision: a tagged record in protobuf wire encoding,
// assembled by hand so peers of any build agree on the byte layout.
//
//	1  bytes   id, 16 bytes, two big-endian 64-bit words
//	2  bytes   chunk id, same layout
//	3  varint  insert time
//	4  varint  update time
//	5  varint  removed flag
//	6  bytes   field value record, repeated, positional
//	7  bytes   chunk tracking record, repeated
const (
	revTagID         = 1
	revTagChunkID    = 2
	revTagInsertTime = 3
	revTagUpdateTime = 4
	revTagRemoved    = 5
	revTagField      = 6
	revTagTracking   = 7
)

// Field value record tags.
const (
	valTagType   = 1
	valTagInt    = 2
	valTagUint   = 3
	valTagDouble = 4
	valTagString = 5
	valTagBlob   = 6
	valTagHash   = 7
)

// Chunk tracking record tags.
const (
	trackTagTable = 1
	trackTagChunk = 2
)

func appendId(b []byte, num protowire.Number, id Id) []byte {
	var raw [16]byte
	binary.BigEndian.PutUint64(raw[0:8], id.Hi)
	binary.BigEndian.PutUint64(raw[8:16], id.Lo)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, raw[:])
}

func consumeId(raw []byte) (Id, error) {
	if len(raw) != 16 {
		return InvalidId, fmt.Errorf("id field must be 16 bytes, got %d", len(raw))
	}
	return Id{
		Hi: binary.BigEndian.Uint64(raw[0:8]),
		Lo: binary.BigEndian.Uint64(raw[8:16]),
	}, nil
}

func appendValue(b []byte, v Value) []byte {
	var rec []byte
	rec = protowire.AppendTag(rec, valTagType, protowire.VarintType)
	rec = protowire.AppendVarint(rec, uint64(v.Type))
	switch v.Type {
	case FieldTypeInt32, FieldTypeInt64:
		rec = protowire.AppendTag(rec, valTagInt, protowire.VarintType)
		rec = protowire.AppendVarint(rec, uint64(v.Int))
	case FieldTypeUint32, FieldTypeUint64:
		rec = protowire.AppendTag(rec, valTagUint, protowire.VarintType)
		rec = protowire.AppendVarint(rec, v.Uint)
	case FieldTypeDouble:
		rec = protowire.AppendTag(rec, valTagDouble, protowire.Fixed64Type)
		rec = protowire.AppendFixed64(rec, math.Float64bits(v.Double))
	case FieldTypeString:
		rec = protowire.AppendTag(rec, valTagString, protowire.BytesType)
		rec = protowire.AppendBytes(rec, []byte(v.Str))
	case FieldTypeBlob:
		rec = protowire.AppendTag(rec, valTagBlob, protowire.BytesType)
		rec = protowire.AppendBytes(rec, v.Blob)
	case FieldTypeHash128:
		rec = appendId(rec, valTagHash, v.Hash)
	}
	b = protowire.AppendTag(b, revTagField, protowire.BytesType)
	return protowire.AppendBytes(b, rec)
}

func consumeValue(rec []byte) (Value, error) {
	var v Value
	for len(rec) > 0 {
		num, typ, n := protowire.ConsumeTag(rec)
		if n < 0 {
			return v, protowire.ParseError(n)
		}
		rec = rec[n:]
		switch num {
		case valTagType:
			raw, n := protowire.ConsumeVarint(rec)
			if n < 0 {
				return v, protowire.ParseError(n)
			}
			v.Type = FieldType(raw)
			rec = rec[n:]
		case valTagInt:
			raw, n := protowire.ConsumeVarint(rec)
			if n < 0 {
				return v, protowire.ParseError(n)
			}
			v.Int = int64(raw)
			rec = rec[n:]
		case valTagUint:
			raw, n := protowire.ConsumeVarint(rec)
			if n < 0 {
				return v, protowire.ParseError(n)
			}
			v.Uint = raw
			rec = rec[n:]
		case valTagDouble:
			raw, n := protowire.ConsumeFixed64(rec)
			if n < 0 {
				return v, protowire.ParseError(n)
			}
			v.Double = math.Float64frombits(raw)
			rec = rec[n:]
		case valTagString:
			raw, n := protowire.ConsumeBytes(rec)
			if n < 0 {
				return v, protowire.ParseError(n)
			}
			v.Str = string(raw)
			rec = rec[n:]
		case valTagBlob:
			raw, n := protowire.ConsumeBytes(rec)
			if n < 0 {
				return v, protowire.ParseError(n)
			}
			v.Blob = append([]byte(nil), raw...)
			rec = rec[n:]
		case valTagHash:
			raw, n := protowire.ConsumeBytes(rec)
			if n < 0 {
				return v, protowire.ParseError(n)
			}
			id, err := consumeId(raw)
			if err != nil {
				return v, err
			}
			v.Hash = id
			rec = rec[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, rec)
			if n < 0 {
				return v, protowire.ParseError(n)
			}
			rec = rec[n:]
		}
	}
	return v, nil
}

func appendTracking(b []byte, table string, ids map[Id]struct{}) []byte {
	var rec []byte
	rec = protowire.AppendTag(rec, trackTagTable, protowire.BytesType)
	rec = protowire.AppendBytes(rec, []byte(table))
	sorted := make([]Id, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	for _, id := range sorted {
		rec = appendId(rec, trackTagChunk, id)
	}
	b = protowire.AppendTag(b, revTagTracking, protowire.BytesType)
	return protowire.AppendBytes(b, rec)
}

func consumeTracking(rec []byte, dest TrackeeMap) error {
	var table string
	var ids []Id
	for len(rec) > 0 {
		num, typ, n := protowire.ConsumeTag(rec)
		if n < 0 {
			return protowire.ParseError(n)
		}
		rec = rec[n:]
		switch num {
		case trackTagTable:
			raw, n := protowire.ConsumeBytes(rec)
			if n < 0 {
				return protowire.ParseError(n)
			}
			table = string(raw)
			rec = rec[n:]
		case trackTagChunk:
			raw, n := protowire.ConsumeBytes(rec)
			if n < 0 {
				return protowire.ParseError(n)
			}
			id, err := consumeId(raw)
			if err != nil {
				return err
			}
			ids = append(ids, id)
			rec = rec[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, rec)
			if n < 0 {
				return protowire.ParseError(n)
			}
			rec = rec[n:]
		}
	}
	if table == "" {
		return fmt.Errorf("tracking record without table name")
	}
	for _, id := range ids {
		dest.Track(table, id)
	}
	return nil
}

// Marshal serializes the revision into its wire form.
func (r *Revision) Marshal() []byte {
	var b []byte
	b = appendId(b, revTagID, r.ID)
	b = appendId(b, revTagChunkID, r.ChunkID)
	b = protowire.AppendTag(b, revTagInsertTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.InsertTime))
	b = protowire.AppendTag(b, revTagUpdateTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.UpdateTime))
	if r.Removed {
		b = protowire.AppendTag(b, revTagRemoved, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	for _, v := range r.Fields {
		b = appendValue(b, v)
	}
	tables := make([]string, 0, len(r.Trackees))
	for table := range r.Trackees {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		b = appendTracking(b, table, r.Trackees[table])
	}
	return b
}

// UnmarshalRevision parses a revision from its wire form.
func UnmarshalRevision(b []byte) (*Revision, error) {
	r := &Revision{Trackees: make(TrackeeMap)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case revTagID, revTagChunkID:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			id, err := consumeId(raw)
			if err != nil {
				return nil, err
			}
			if num == revTagID {
				r.ID = id
			} else {
				r.ChunkID = id
			}
			b = b[n:]
		case revTagInsertTime, revTagUpdateTime:
			raw, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if num == revTagInsertTime {
				r.InsertTime = LogicalTime(raw)
			} else {
				r.UpdateTime = LogicalTime(raw)
			}
			b = b[n:]
		case revTagRemoved:
			raw, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			r.Removed = raw != 0
			b = b[n:]
		case revTagField:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			v, err := consumeValue(raw)
			if err != nil {
				return nil, err
			}
			r.Fields = append(r.Fields, v)
			b = b[n:]
		case revTagTracking:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if err := consumeTracking(raw, r.Trackees); err != nil {
				return nil, err
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if !r.ID.IsValid() {
		return nil, fmt.Errorf("revision record without id")
	}
	return r, nil
}
