package bill

import (
	"regexp"
	"strings"
	"time"
)

const isoDate = "2006-01-02"

// Layouts the extracted date can take, month first as on US bills
var dateLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"01-02-2006",
	"1-2-2006",
	"01-02-06",
	"1-2-06",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"Jan. 2, 2006",
	"Jan. 2 2006",
	"January 2, 06",
	"Jan 2, 06",
	"Jan 2 06",
	"2006-01-02",
	"2006/01/02",
}

var spaceRe = regexp.MustCompile(`\s+`)

// NormalizeDate converts a raw extracted date into YYYY-MM-DD. Anything that does not
// parse, including an empty string, becomes today's date.
func NormalizeDate(raw string, now time.Time) string {
	raw = strings.TrimSpace(spaceRe.ReplaceAllString(raw, " "))
	if raw == "" {
		return now.Format(isoDate)
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(isoDate)
		}
	}
	// Month names are matched case-insensitively by the parser; time.Parse is not
	if t, ok := parseMonthName(raw); ok {
		return t.Format(isoDate)
	}
	return now.Format(isoDate)
}

func parseMonthName(raw string) (time.Time, bool) {
	fields := strings.Fields(strings.ReplaceAll(raw, ",", " "))
	if len(fields) != 3 {
		return time.Time{}, false
	}
	month := strings.ToLower(strings.TrimSuffix(fields[0], "."))
	if len(month) < 3 {
		return time.Time{}, false
	}
	month = strings.ToUpper(month[:1]) + month[1:3]
	for _, layout := range []string{"Jan 2 2006", "Jan 2 06"} {
		if t, err := time.Parse(layout, month+" "+fields[1]+" "+fields[2]); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
