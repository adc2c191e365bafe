package history

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Keys recognised in an outcome payload sent by the delivery pipeline.
const (
	FieldHistoryID  = "historyId"
	FieldOutcome    = "outcome"
	FieldSuccessful = "successful"
	FieldDetails    = "details"
	FieldDuration   = "duration"
)

// legacySuccessPrefix marks success in the legacy string outcome field.
const legacySuccessPrefix = "Success"

// Outcome is the typed form of a patch payload. Fields left nil were absent.
type Outcome struct {
	HistoryID string
	// LegacyOutcome is the free text field being phased out in favour of Successful.
	LegacyOutcome  *string
	Successful     *bool
	Details        map[string]any
	DurationMillis int64
}

// ParseOutcome validates an unordered payload and converts it into an Outcome.
// Unknown keys are ignored.
func ParseOutcome(payload map[string]any) (*Outcome, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidArgument)
	}

	rawID, _ := payload[FieldHistoryID].(string)
	historyID := strings.TrimSpace(rawID)
	if historyID == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidArgument, FieldHistoryID)
	}
	if _, err := uuid.Parse(historyID); err != nil {
		return nil, fmt.Errorf("%w: %s %q is not a valid UUID", ErrInvalidArgument, FieldHistoryID, historyID)
	}

	o := &Outcome{HistoryID: historyID}

	switch v := payload[FieldOutcome].(type) {
	case nil:
	case string:
		o.LegacyOutcome = &v
	default:
		return nil, fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgument, FieldOutcome, v)
	}

	switch v := payload[FieldSuccessful].(type) {
	case nil:
	case bool:
		o.Successful = &v
	default:
		return nil, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidArgument, FieldSuccessful, v)
	}

	switch v := payload[FieldDetails].(type) {
	case nil:
	case map[string]any:
		o.Details = v
	default:
		return nil, fmt.Errorf("%w: %s must be an object, got %T", ErrInvalidArgument, FieldDetails, v)
	}

	duration, err := parseDuration(payload[FieldDuration])
	if err != nil {
		return nil, err
	}
	o.DurationMillis = duration

	return o, nil
}

func parseDuration(raw any) (int64, error) {
	var d int64
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case int:
		d = int64(v)
	case int32:
		d = int64(v)
	case int64:
		d = v
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidArgument, FieldDuration, v)
		}
		d = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer, got %s", ErrInvalidArgument, FieldDuration, v)
		}
		d = n
	default:
		return 0, fmt.Errorf("%w: %s must be an integer, got %T", ErrInvalidArgument, FieldDuration, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidArgument, FieldDuration)
	}
	return d, nil
}

// Succeeded combines both success indicators: the boolean field, or, while
// acceptLegacy is set, a legacy outcome starting with "Success".
func (o *Outcome) Succeeded(acceptLegacy bool) bool {
	if o.Successful != nil && *o.Successful {
		return true
	}
	return acceptLegacy && o.LegacyOutcome != nil && strings.HasPrefix(*o.LegacyOutcome, legacySuccessPrefix)
}

// MergedDetails returns a copy of the details with an "outcome" key that
// readers can always rely on. A key already present is left alone; otherwise
// the legacy outcome is copied in, or null when there was none.
func (o *Outcome) MergedDetails() map[string]any {
	merged := make(map[string]any, len(o.Details)+1)
	for k, v := range o.Details {
		merged[k] = v
	}
	if _, ok := merged[FieldOutcome]; !ok {
		if o.LegacyOutcome != nil {
			merged[FieldOutcome] = *o.LegacyOutcome
		} else {
			merged[FieldOutcome] = nil
		}
	}
	return merged
}
