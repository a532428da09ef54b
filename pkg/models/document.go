package models

// Reserved document fields.
const (
	FieldID           = "id"
	FieldDeleted      = "_deleted"
	FieldReceivedAt   = "_received_at"
	FieldSeq          = "_seq"
	FieldOrigin       = "_origin"
	FieldRemoteDelete = "deleted"
)

// Document is a schemaless local store record.
type Document map[string]any

// ID returns the primary key, or "" when absent.
func (d Document) ID() string {
	if v, ok := d[FieldID].(string); ok {
		return v
	}
	return ""
}

// Deleted reports whether the document carries the local soft-delete marker.
func (d Document) Deleted() bool {
	v, _ := d[FieldDeleted].(bool)
	return v
}

// Clone returns a shallow copy.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// String returns the value of a string field, or "".
func (d Document) String(field string) string {
	v, _ := d[field].(string)
	return v
}
