package rating

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// starsPattern accepts 1-5 with at most one decimal place.
var starsPattern = regexp.MustCompile(`^[1-5](\.[0-9])?$`)

// ParseStars normalizes a textual star rating. Anything that is not a number
// in [1, 5] with at most one decimal place ("Not Rated", "", "0", "Standard",
// "Optional", ...) returns nil.
func ParseStars(s string) *float64 {
	s = strings.TrimSpace(s)
	if !starsPattern.MatchString(s) {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 1 || v > 5 {
		return nil
	}
	return &v
}

// ParseStarsValue normalizes a decoded JSON value. The API mixes strings and
// numbers for the same field.
func ParseStarsValue(v any) *float64 {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return ParseStars(val)
	case float64:
		if math.IsNaN(val) || val < 1 || val > 5 {
			return nil
		}
		// Round to one decimal so 4.0000001 and 4 compare equal downstream.
		r := math.Round(val*10) / 10
		return &r
	case int:
		return ParseStarsValue(float64(val))
	default:
		return nil
	}
}

// Stars returns a pointer to v. Used by tests and manual entries.
func Stars(v float64) *float64 {
	return &v
}
