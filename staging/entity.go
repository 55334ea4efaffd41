package staging

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Entity is one editable record of the collection.
// A negative ID marks an entity that only exists in the current session.
type Entity struct {
	ID       int64          `json:"id"`
	Number   *float64       `json:"number"`
	Name     string         `json:"name"`
	GroupRef *int64         `json:"group_ref"`
	Members  []int64        `json:"members"`
	Extra    map[string]any `json:"extra,omitempty"` // opaque fields, never touched by staging
}

// IsTemp reports whether the entity has not been persisted yet.
func (e Entity) IsTemp() bool {
	return IsTempID(e.ID)
}

// IsTempID reports whether id was allocated locally.
func IsTempID(id int64) bool {
	return id < 0
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	c := e
	c.Number = cloneFloat(e.Number)
	c.GroupRef = cloneInt(e.GroupRef)
	if e.Members != nil {
		c.Members = slices.Clone(e.Members)
	} else {
		c.Members = []int64{}
	}
	if e.Extra != nil {
		c.Extra = maps.Clone(e.Extra)
	}
	return c
}

// Label returns a short human-readable reference for log lines and descriptions.
func (e Entity) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("#%d", e.ID)
}

// EntitySnapshot is an immutable copy of the staged fields of an entity.
type EntitySnapshot struct {
	ID       int64    `json:"id"`
	Number   *float64 `json:"number"`
	Name     string   `json:"name"`
	GroupRef *int64   `json:"group_ref"`
	Members  []int64  `json:"members"`
	Position int      `json:"-"` // index in the working copy when captured
}

// Snapshot captures the staged fields of e.
func Snapshot(e Entity) EntitySnapshot {
	members := []int64{}
	if len(e.Members) > 0 {
		members = slices.Clone(e.Members)
	}
	return EntitySnapshot{
		ID:       e.ID,
		Number:   cloneFloat(e.Number),
		Name:     e.Name,
		GroupRef: cloneInt(e.GroupRef),
		Members:  members,
		Position: -1,
	}
}

// Equal compares the staged fields, ignoring Position.
func (s EntitySnapshot) Equal(o EntitySnapshot) bool {
	return s.ID == o.ID &&
		floatPtrEqual(s.Number, o.Number) &&
		s.Name == o.Name &&
		intPtrEqual(s.GroupRef, o.GroupRef) &&
		slices.Equal(s.Members, o.Members)
}

// restore writes the snapshot fields onto base and returns the result.
func (s EntitySnapshot) restore(base Entity) Entity {
	e := base.Clone()
	e.ID = s.ID
	e.Number = cloneFloat(s.Number)
	e.Name = s.Name
	e.GroupRef = cloneInt(s.GroupRef)
	e.Members = slices.Clone(s.Members)
	if e.Members == nil {
		e.Members = []int64{}
	}
	return e
}

// Fields is a partial entity used by updates and creates.
// Nil pointers leave a field unchanged; the Clear flags set it to null.
type Fields struct {
	Number        *float64
	ClearNumber   bool
	Name          *string
	GroupRef      *int64
	ClearGroupRef bool
}

// IsEmpty reports whether applying f would change nothing.
func (f Fields) IsEmpty() bool {
	return f.Number == nil && !f.ClearNumber && f.Name == nil &&
		f.GroupRef == nil && !f.ClearGroupRef
}

// TouchesNumber reports whether f sets or clears the number.
func (f Fields) TouchesNumber() bool {
	return f.Number != nil || f.ClearNumber
}

// Merge shallow-merges next over f; the last value per field wins.
func (f Fields) Merge(next Fields) Fields {
	out := f.clone()
	if next.Number != nil {
		out.Number = cloneFloat(next.Number)
		out.ClearNumber = false
	}
	if next.ClearNumber {
		out.Number = nil
		out.ClearNumber = true
	}
	if next.Name != nil {
		name := *next.Name
		out.Name = &name
	}
	if next.GroupRef != nil {
		out.GroupRef = cloneInt(next.GroupRef)
		out.ClearGroupRef = false
	}
	if next.ClearGroupRef {
		out.GroupRef = nil
		out.ClearGroupRef = true
	}
	return out
}

// ApplyTo returns a copy of e with f merged in.
func (f Fields) ApplyTo(e Entity) Entity {
	out := e.Clone()
	if f.Number != nil {
		out.Number = cloneFloat(f.Number)
	}
	if f.ClearNumber {
		out.Number = nil
	}
	if f.Name != nil {
		out.Name = *f.Name
	}
	if f.GroupRef != nil {
		out.GroupRef = cloneInt(f.GroupRef)
	}
	if f.ClearGroupRef {
		out.GroupRef = nil
	}
	return out
}

func (f Fields) clone() Fields {
	out := Fields{
		Number:        cloneFloat(f.Number),
		ClearNumber:   f.ClearNumber,
		GroupRef:      cloneInt(f.GroupRef),
		ClearGroupRef: f.ClearGroupRef,
	}
	if f.Name != nil {
		name := *f.Name
		out.Name = &name
	}
	return out
}

// Map renders the fields in wire form: set keys only, nil for clears.
func (f Fields) Map() map[string]any {
	m := make(map[string]any)
	if f.Number != nil {
		m["number"] = *f.Number
	}
	if f.ClearNumber {
		m["number"] = nil
	}
	if f.Name != nil {
		m["name"] = *f.Name
	}
	if f.GroupRef != nil {
		m["group_ref"] = *f.GroupRef
	}
	if f.ClearGroupRef {
		m["group_ref"] = nil
	}
	return m
}

// MarshalJSON encodes the wire form.
func (f Fields) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Map())
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (f *Fields) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode fields: %w", err)
	}
	*f = Fields{}
	for key, value := range raw {
		isNull := string(value) == "null"
		switch key {
		case "number":
			if isNull {
				f.ClearNumber = true
				continue
			}
			var n float64
			if err := json.Unmarshal(value, &n); err != nil {
				return fmt.Errorf("invalid number field: %w", err)
			}
			f.Number = &n
		case "name":
			var name string
			if err := json.Unmarshal(value, &name); err != nil {
				return fmt.Errorf("invalid name field: %w", err)
			}
			f.Name = &name
		case "group_ref":
			if isNull {
				f.ClearGroupRef = true
				continue
			}
			var g int64
			if err := json.Unmarshal(value, &g); err != nil {
				return fmt.Errorf("invalid group_ref field: %w", err)
			}
			f.GroupRef = &g
		}
	}
	return nil
}

// Float returns a pointer to n, for building Fields literals.
func Float(n float64) *float64 { return &n }

// Int returns a pointer to n.
func Int(n int64) *int64 { return &n }

// String returns a pointer to s.
func String(s string) *string { return &s }

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func intPtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// CloneEntities deep-copies a slice of entities.
func CloneEntities(entities []Entity) []Entity {
	out := make([]Entity, len(entities))
	for i, e := range entities {
		out[i] = e.Clone()
	}
	return out
}
