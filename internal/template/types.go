// Package template stores named notification templates and renders them
// with variable substitution, locale-aware filters, and sandboxed control
// constructs. No dynamic code execution: rendering can touch nothing but
// the variables it is handed.
package template

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/courierd/courierd/internal/notification"
)

// VarType constrains a declared template variable.
type VarType string

const (
	VarString VarType = "string"
	VarNumber VarType = "number"
	VarBool   VarType = "bool"
	VarList   VarType = "list"
	VarMap    VarType = "map"
)

// VarSpec describes one declared variable.
type VarSpec struct {
	Type     VarType `json:"type"`
	Required bool    `json:"required"`
}

// Schema maps variable names to their declared specs. Stored as JSONB.
type Schema map[string]VarSpec

// Value implements driver.Valuer for database storage.
func (s Schema) Value() (driver.Value, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for database retrieval.
func (s *Schema) Scan(value any) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, s)
}

// Template is one named, versioned body with an optional subject. At most
// one version per (type, channel) is active.
type Template struct {
	Name      string               `json:"name" db:"name"`
	Type      notification.Type    `json:"type" db:"type"`
	Channel   notification.Channel `json:"channel" db:"channel"`
	Subject   *string              `json:"subject,omitempty" db:"subject"`
	Body      string               `json:"body" db:"body"`
	Schema    Schema               `json:"variable_schema" db:"variable_schema"`
	Active    bool                 `json:"active" db:"active"`
	Version   int                  `json:"version" db:"version"`
	CreatedAt time.Time            `json:"created_at" db:"created_at"`
}

// Rendered is the output of one render: subject (may be empty) and body.
type Rendered struct {
	Subject string
	Body    string
}
