package collab

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RecordID identifies a test item in the shared dataset.
type RecordID int64

// Record is a snapshot of a test item's fields. Values are heterogeneous:
// string, float64, bool, nil. A nil value means the field is cleared; a
// numeric zero is a real value and never collapses to nil.
type Record map[string]any

// Field names of the shared test-item dataset.
const (
	FieldUnitPrice      = "unit_price"
	FieldSampleQuantity = "actual_sample_quantity"
	FieldLineTotal      = "line_total"
	FieldDiscountRate   = "discount_rate"
	FieldHours          = "work_hours"
	FieldStatus         = "status"

	FieldSupervisorID   = "supervisor_id"
	FieldSupervisorName = "supervisor_name"
	FieldTechnicianID   = "technician_id"
	FieldTechnicianName = "technician_name"
	FieldAssigneeID     = "assignee_id"
	FieldAssigneeName   = "assignee_name"
)

// Workflow status values carried by the status field.
const (
	StatusPending  = "pending"
	StatusAssigned = "assigned"
	StatusRunning  = "running"
	StatusDone     = "done"
)

// displayNameFields are computed client-side from an id plus a lookup table
// join. Server write responses are not authoritative for them, so the merge
// engine never overwrites them from a response snapshot.
var displayNameFields = map[string]struct{}{
	FieldSupervisorName: {},
	FieldTechnicianName: {},
	FieldAssigneeName:   {},
}

// IsDisplayNameField reports whether the field is a locally-derived display
// name excluded from response merging.
func IsDisplayNameField(field string) bool {
	_, ok := displayNameFields[field]
	return ok
}

// percentFields hold literal 0-100 values entered by users.
var percentFields = map[string]struct{}{
	FieldDiscountRate: {},
}

var numericFields = map[string]struct{}{
	FieldUnitPrice:      {},
	FieldSampleQuantity: {},
	FieldLineTotal:      {},
	FieldDiscountRate:   {},
	FieldHours:          {},
}

// IsNumericField reports whether raw input for the field must coerce to a
// number (or nil when blank) before persisting.
func IsNumericField(field string) bool {
	_, ok := numericFields[field]
	return ok
}

var (
	// ErrNotANumber is returned when raw input for a numeric field does not
	// parse.
	ErrNotANumber = errors.New("collab: value is not a number")
	// ErrPercentOutOfRange is returned when a percent field is outside the
	// inclusive 0-100 range.
	ErrPercentOutOfRange = errors.New("collab: percent value out of 0-100 range")
)

// ParseNumber coerces raw cell input for a numeric field. Blank input clears
// the field (nil); everything else must parse as a float. Zero parses to
// float64(0), a valid value distinct from nil.
func ParseNumber(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrNotANumber, "%q", raw)
	}
	return f, nil
}

// ValidateFieldValue applies field-specific range checks before any write is
// attempted. Percent fields accept the literal 0-100 number the user typed;
// 150 is rejected here, never sent.
func ValidateFieldValue(field string, value any) error {
	if _, ok := percentFields[field]; !ok {
		return nil
	}
	if value == nil {
		return nil
	}
	f, ok := value.(float64)
	if !ok {
		return errors.Wrapf(ErrNotANumber, "field %s", field)
	}
	if f < 0 || f > 100 {
		return errors.Wrapf(ErrPercentOutOfRange, "field %s value %v", field, f)
	}
	return nil
}

// Number extracts a numeric field value from a record. The second return is
// false when the field is absent, nil, or not a number.
func (r Record) Number(field string) (float64, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// IsSet reports whether a field holds a non-nil, non-empty value. Numeric
// zero counts as set.
func (r Record) IsSet(field string) bool {
	v, ok := r[field]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

// Clone returns a shallow copy. Merge operations never mutate the stored
// snapshot in place.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DeriveStatus computes the workflow status implied by assignment fields.
// Assigning a technician forces the item to running; clearing the technician
// drops back to assigned while a supervisor remains, otherwise the current
// status stands.
func DeriveStatus(rec Record, current string) string {
	if rec.IsSet(FieldTechnicianID) || rec.IsSet(FieldTechnicianName) {
		return StatusRunning
	}
	if rec.IsSet(FieldSupervisorID) || rec.IsSet(FieldSupervisorName) {
		return StatusAssigned
	}
	return current
}
