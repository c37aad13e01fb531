package stores

import (
	"time"

	"github.com/oarkflow/date"
)

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sqlNullTimeOrNil(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// scanTime normalizes the driver-dependent representations sqlite hands
// back for timestamp columns.
func scanTime(raw interface{}) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

// scanTimePtr is scanTime for nullable columns.
func scanTimePtr(raw interface{}) *time.Time {
	if raw == nil {
		return nil
	}
	t := scanTime(raw)
	if t.IsZero() {
		return nil
	}
	return &t
}
