// Package temporal rewrites relative time references in memory content
// into absolute dates so that memories stay meaningful after the
// conversation that produced them.
package temporal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type pattern struct {
	re *regexp.Regexp
	// offset in units; -1000 marks patterns that capture the offset.
	offset int
	unit   string
}

const captureOffset = -1000

var patterns = []pattern{
	{regexp.MustCompile(`(?i)\btomorrow\b`), 1, "day"},
	{regexp.MustCompile(`(?i)\btoday\b`), 0, "day"},
	{regexp.MustCompile(`(?i)\byesterday\b`), -1, "day"},
	{regexp.MustCompile(`(?i)\bnext week\b`), 7, "day"},
	{regexp.MustCompile(`(?i)\bnext month\b`), 1, "month"},
	{regexp.MustCompile(`(?i)\bin (\d+) days?\b`), captureOffset, "day"},
	{regexp.MustCompile(`(?i)\bin (\d+) weeks?\b`), captureOffset, "week"},
	{regexp.MustCompile(`(?i)\bin (\d+) months?\b`), captureOffset, "month"},
}

var timeOfDayRe = regexp.MustCompile(`(?i)at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)

// storedDateRe matches dates previously written by ParseReference,
// e.g. "(June 05, 2026 at 03:00 PM)".
var storedDateRe = regexp.MustCompile(`\(([A-Za-z]+) (\d+), (\d{4})(?: at (\d{1,2}):(\d{2}) (AM|PM))?\)`)

// ParseReference rewrites the first relative time reference in text into
// an absolute date and returns the rewritten text together with the
// resolved time. Returns text unchanged and nil when no reference is found.
func ParseReference(text string, reference time.Time) (string, *time.Time) {
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}

		offset := p.offset
		if offset == captureOffset {
			offset, _ = strconv.Atoi(m[1])
		}

		var target time.Time
		switch p.unit {
		case "day":
			target = reference.AddDate(0, 0, offset)
		case "week":
			target = reference.AddDate(0, 0, offset*7)
		case "month":
			target = reference.AddDate(0, 0, offset*30)
		default:
			target = reference
		}

		// Pick up a time of day if one is mentioned, e.g. "at 3pm" or "at 15:00".
		hasTime := false
		if tm := timeOfDayRe.FindStringSubmatch(text); tm != nil {
			hour, _ := strconv.Atoi(tm[1])
			minute := 0
			if tm[2] != "" {
				minute, _ = strconv.Atoi(tm[2])
			}
			switch strings.ToLower(tm[3]) {
			case "pm":
				if hour < 12 {
					hour += 12
				}
			case "am":
				if hour == 12 {
					hour = 0
				}
			}
			target = time.Date(target.Year(), target.Month(), target.Day(), hour, minute, 0, 0, target.Location())
			hasTime = true
		}

		dateStr := target.Format("January 02, 2006")
		timeStr := ""
		if hasTime {
			timeStr = " at " + target.Format("03:04 PM")
		}

		enhanced := p.re.ReplaceAllString(text, fmt.Sprintf("%s (%s%s)", m[0], dateStr, timeStr))
		return enhanced, &target
	}

	return text, nil
}

// ExtractScheduleDate extracts a specific date/time from schedule-related text.
func ExtractScheduleDate(text string, reference time.Time) *time.Time {
	_, extracted := ParseReference(text, reference)
	return extracted
}

// FormatRelative rewrites absolute dates previously embedded in memory
// content back into a relative description from now.
func FormatRelative(content string, now time.Time) string {
	enhanced := content

	for _, m := range storedDateRe.FindAllStringSubmatch(content, -1) {
		monthName := m[1]
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])

		var month time.Month
		parsed, err := time.Parse("January", monthName)
		if err != nil {
			continue
		}
		month = parsed.Month()

		hour, minute := 0, 0
		if m[4] != "" {
			hour, _ = strconv.Atoi(m[4])
			minute, _ = strconv.Atoi(m[5])
			switch m[6] {
			case "PM":
				if hour < 12 {
					hour += 12
				}
			case "AM":
				if hour == 12 {
					hour = 0
				}
			}
		}

		stored := time.Date(year, month, day, hour, minute, 0, 0, now.Location())
		diff := daysBetween(now, stored)

		var relative string
		switch {
		case diff == 0:
			relative = "today"
		case diff == 1:
			relative = "tomorrow"
		case diff == -1:
			relative = "yesterday"
		case diff > 1 && diff <= 7:
			relative = fmt.Sprintf("in %d days", diff)
		case diff < -1 && diff >= -7:
			relative = fmt.Sprintf("%d days ago", -diff)
		case diff > 7:
			weeks := diff / 7
			relative = fmt.Sprintf("in %d %s", weeks, pluralWeeks(weeks))
		default:
			weeks := -diff / 7
			relative = fmt.Sprintf("%d %s ago", weeks, pluralWeeks(weeks))
		}

		timeStr := ""
		if m[4] != "" {
			timeStr = " at " + stored.Format("03:04 PM")
		}

		replacement := fmt.Sprintf("(%s%s - originally on %s %d)", relative, timeStr, monthName, day)
		enhanced = strings.ReplaceAll(enhanced, m[0], replacement)
	}

	return enhanced
}

// daysBetween returns the whole-day difference between the dates of a and b.
func daysBetween(from, to time.Time) int {
	fromDate := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	toDate := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(toDate.Sub(fromDate).Hours() / 24)
}

func pluralWeeks(n int) string {
	if n == 1 {
		return "week"
	}
	return "weeks"
}
