package changeevent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/rmacdonaldsmith/dbcast/pkg/channel"
)

// timestampLayouts are the ISO-8601 forms accepted for the timestamp field.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02T15:04",
	"20060102T150405.999999999Z0700",
	"20060102T150405.999999999",
	"2006-01-02",
}

// ValidationError lists every schema violation found in a payload.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid event data: " + strings.Join(e.Errors, ", ")
}

// ChangeEvent is a validated database change notification.
type ChangeEvent struct {
	timestamp time.Time
	table     string
	action    channel.Action
	record    map[string]any
	recordID  *uint64
	payload   []byte
}

// schema is the required-field view of a payload checked by the validator.
type schema struct {
	Timestamp string `json:"timestamp" validate:"required,iso8601"`
	Table     string `json:"table" validate:"required,notblank"`
	Action    string `json:"action" validate:"required,oneof=insert update delete"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("iso8601", func(fl validator.FieldLevel) bool {
		_, err := parseTimestamp(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// messages maps a field and failing tag to the message reported to clients.
var messages = map[string]map[string]string{
	"timestamp": {"required": "Timestamp is required", "iso8601": "Invalid timestamp format"},
	"table":     {"required": "Table name is required", "notblank": "Table name must be a non-empty string"},
	"action":    {"required": "Action is required", "oneof": "Action must be one of: insert, update, delete"},
}

// typeMessages are reported when a field is present but not a string.
var typeMessages = map[string]string{
	"timestamp": "Invalid timestamp format",
	"table":     "Table name must be a non-empty string",
	"action":    "Action must be one of: insert, update, delete",
}

// Parse decodes and validates a JSON change event. On failure it returns a
// *ValidationError listing every problem.
func Parse(data []byte) (*ChangeEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, &ValidationError{Errors: []string{"Event data is required"}}
	}

	var (
		problems []string
		s        schema
		badType  = map[string]bool{}
	)

	for name, dst := range map[string]*string{"timestamp": &s.Timestamp, "table": &s.Table, "action": &s.Action} {
		raw, ok := fields[name]
		if !ok || isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			badType[name] = true
		}
	}

	var verrs validator.ValidationErrors
	if err := validate.Struct(s); err != nil && !errors.As(err, &verrs) {
		return nil, fmt.Errorf("validate event: %w", err)
	}
	failed := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		failed[fe.Field()] = messages[fe.Field()][fe.Tag()]
	}
	// Report in a stable field order.
	for _, name := range []string{"timestamp", "table", "action"} {
		switch {
		case badType[name]:
			problems = append(problems, typeMessages[name])
		case failed[name] != "":
			problems = append(problems, failed[name])
		}
	}

	record, recordID, recordProblem := decodeRecord(fields["record"])
	if recordProblem != "" {
		problems = append(problems, recordProblem)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Errors: problems}
	}

	ts, _ := parseTimestamp(s.Timestamp)
	return &ChangeEvent{
		timestamp: ts,
		table:     s.Table,
		action:    channel.Action(s.Action),
		record:    record,
		recordID:  recordID,
		payload:   bytes.Clone(data),
	}, nil
}

// New builds an event in code, for publishers that do not start from JSON.
// The result is validated exactly like a parsed payload.
func New(ts time.Time, table string, action channel.Action, record map[string]any) (*ChangeEvent, error) {
	body := map[string]any{
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
		"table":     table,
		"action":    string(action),
	}
	if record != nil {
		body["record"] = record
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return Parse(data)
}

func decodeRecord(raw json.RawMessage) (map[string]any, *uint64, string) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil, ""
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, nil, "Record must be an object"
	}

	rawID, ok := record["id"]
	if !ok || rawID == nil {
		return record, nil, ""
	}
	num, ok := rawID.(json.Number)
	if !ok {
		return nil, nil, "record.id must be a non-negative integer"
	}
	id, ok := wholeNumber(num)
	if !ok {
		return nil, nil, "record.id must be a non-negative integer"
	}
	return record, &id, ""
}

// wholeNumber accepts integral JSON numbers in any notation, such as 3, 3.0
// or 1e2.
func wholeNumber(num json.Number) (uint64, bool) {
	if id, err := strconv.ParseUint(num.String(), 10, 64); err == nil {
		return id, true
	}
	f, err := num.Float64()
	if err != nil || f < 0 || f != math.Trunc(f) || f >= math.MaxUint64 {
		return 0, false
	}
	return uint64(f), true
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// Timestamp returns the parsed event timestamp.
func (e *ChangeEvent) Timestamp() time.Time {
	return e.timestamp
}

// Table returns the table the change happened on.
func (e *ChangeEvent) Table() string {
	return e.table
}

// Action returns the kind of change.
func (e *ChangeEvent) Action() channel.Action {
	return e.action
}

// RecordID returns the record id and whether the event carries one.
func (e *ChangeEvent) RecordID() (uint64, bool) {
	if e.recordID == nil {
		return 0, false
	}
	return *e.recordID, true
}

// Record returns the decoded record object, or nil when absent. Numbers are
// json.Number values.
func (e *ChangeEvent) Record() map[string]any {
	return e.record
}

// Payload returns a copy of the payload exactly as it was received. This is
// what subscribers are sent.
func (e *ChangeEvent) Payload() []byte {
	return bytes.Clone(e.payload)
}

// MarshalJSON emits the original payload.
func (e *ChangeEvent) MarshalJSON() ([]byte, error) {
	return e.Payload(), nil
}
