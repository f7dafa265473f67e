package domain

import (
	"strconv"
	"strings"
)

// ValidateSearch validates search parameters. The query is checked first so a
// blank query is reported even when the numeric parameters are also wrong.
func ValidateSearch(p SearchParams) error {
	if strings.TrimSpace(p.Query) == "" {
		return NewValidationError("query", p.Query, ErrEmptyQuery)
	}
	if p.Limit < MinLimit || p.Limit > MaxLimit {
		return NewValidationError("limit", strconv.Itoa(p.Limit), ErrLimitOutOfRange)
	}
	// NaN fails both comparisons, so test for the valid range instead.
	if !(p.Threshold >= MinThreshold && p.Threshold <= MaxThreshold) {
		return NewValidationError("threshold", strconv.FormatFloat(p.Threshold, 'f', -1, 64), ErrThresholdOutOfRange)
	}
	return nil
}
