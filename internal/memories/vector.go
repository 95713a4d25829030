package memories

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// EmbeddingDimension is the vector width produced by the embedding model.
const EmbeddingDimension = 1024

// Vector is an embedding stored as a pgvector column. It serializes to the
// bracketed comma-separated literal the vector type casts from, which also
// survives as plain text in the sqlite databases used by tests.
type Vector []float32

// GormDataType names the general data type so schema parsing does not
// probe the zero value, whose Value() is NULL.
func (Vector) GormDataType() string {
	return "text"
}

// GormDBDataType selects the column type per dialect.
func (Vector) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return fmt.Sprintf("vector(%d)", EmbeddingDimension)
	}
	return "text"
}

// Value renders the pgvector literal, or NULL for an absent embedding.
func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

// Scan parses the bracketed literal returned by the database.
func (v *Vector) Scan(src any) error {
	if src == nil {
		*v = nil
		return nil
	}
	var raw string
	switch value := src.(type) {
	case string:
		raw = value
	case []byte:
		raw = string(value)
	default:
		return fmt.Errorf("memories: cannot scan %T into Vector", src)
	}
	parsed, err := ParseVector(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVector decodes a "[1,2,3]" literal.
func ParseVector(raw string) (Vector, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return nil, fmt.Errorf("memories: malformed vector literal %q", truncate(raw, 32))
	}
	inner := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
	if inner == "" {
		return Vector{}, nil
	}
	parts := strings.Split(inner, ",")
	out := make(Vector, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("memories: malformed vector component %q: %w", part, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
