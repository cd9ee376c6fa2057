package server

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	dateOnlyLayout  = "2006-01-02"
	maxPageSize     = 200
	defaultPageSize = 50
)

func parsePageSize(value string) (int32, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultPageSize, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 32)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid_page_size")
	}
	if parsed > maxPageSize {
		parsed = maxPageSize
	}
	return int32(parsed), nil
}

func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if endOfDay {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
		} else {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

// parseDate accepts a calendar date (YYYY-MM-DD) or an RFC3339 timestamp and
// truncates it to midnight UTC.
func parseDate(value string) (time.Time, error) {
	parsed, err := parseOptionalTime(value, false)
	if err != nil {
		return time.Time{}, err
	}
	if parsed == nil {
		return time.Time{}, errors.New("missing_date")
	}
	t := parsed.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}
