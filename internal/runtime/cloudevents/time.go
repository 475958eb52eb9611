package cloudevents

import "time"

const (
	TimeFormat     = time.RFC3339
	TimeFormatNano = time.RFC3339Nano
)

var fallbackTimeFormats = []string{
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime accepts RFC3339 (with or without fractional seconds) and the
// zone-less layouts emitted by some legacy publishers, which are read as UTC.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormatNano, s); err == nil {
		return t, nil
	}
	for _, layout := range fallbackTimeFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{
		Layout:  TimeFormat,
		Value:   s,
		Message: ": cannot parse as event time",
	}
}

// Now returns the current UTC time.
func Now() time.Time {
	return time.Now().UTC()
}
