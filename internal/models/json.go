package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB is a free-form JSON object column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	b, err := scanBytes(value, "JSONB")
	if err != nil || b == nil {
		*j = nil
		return err
	}
	return json.Unmarshal(b, j)
}

// StringList is a JSON array column of strings.
type StringList []string

// Value implements the driver.Valuer interface
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (s *StringList) Scan(value interface{}) error {
	b, err := scanBytes(value, "StringList")
	if err != nil || b == nil {
		*s = nil
		return err
	}
	return json.Unmarshal(b, (*[]string)(s))
}

// Contains reports whether v is in the list.
func (s StringList) Contains(v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// EntityPair is an unordered candidate pair of entity ids.
type EntityPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// PairList is a JSON array column of entity pairs.
type PairList []EntityPair

// Value implements the driver.Valuer interface
func (p PairList) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]EntityPair(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (p *PairList) Scan(value interface{}) error {
	b, err := scanBytes(value, "PairList")
	if err != nil || b == nil {
		*p = nil
		return err
	}
	return json.Unmarshal(b, (*[]EntityPair)(p))
}

func scanBytes(value interface{}, typ string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T into %s", value, typ)
	}
}
