package bangumi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	englishAgo = regexp.MustCompile(`^\s*(?:(\d+)y\s*)?(?:(\d+)mo\s*)?(?:(\d+)d\s*)?(?:(\d+)h\s*)?(?:(\d+)m\s*)?(?:(\d+)s\s*)?ago\s*$`)
	chineseAgo = regexp.MustCompile(`^\s*(?:(\d+)年\s*)?(?:(\d+)月\s*)?(?:(\d+)天\s*)?(?:(\d+)小时\s*)?(?:(\d+)分钟\s*)?(?:(\d+)秒\s*)?前\s*$`)

	// Site timestamps are rendered in China Standard Time.
	siteZone = time.FixedZone("UTC+8", 8*60*60)

	absoluteLayouts = []string{"2006-1-2 15:04:05", "2006-1-2 15:04", "2006-1-2"}
)

// ParseTime interprets the timestamps the site renders: relative forms such as
// "1d 2h ago" or "3年10月前", day words, and absolute dates in UTC+8. The
// result is in UTC.
func ParseTime(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return time.Time{}, fmt.Errorf("parse time: empty")
	case strings.HasSuffix(s, "ago"):
		return parseAgo(englishAgo, s, now)
	case strings.HasSuffix(s, "前"):
		return parseAgo(chineseAgo, s, now)
	}

	if t, ok := parseDayWord(s, now); ok {
		return t, nil
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, s, siteZone); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: unrecognised format", raw)
}

func parseAgo(re *regexp.Regexp, s string, now time.Time) (time.Time, error) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("parse time %q: unrecognised relative format", s)
	}
	n := make([]int, len(m))
	for i := 1; i < len(m); i++ {
		if m[i] == "" {
			continue
		}
		v, err := strconv.Atoi(m[i])
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
		}
		n[i] = v
	}
	years, months, days, hours, minutes, seconds := n[1], n[2], n[3], n[4], n[5], n[6]
	t := now.UTC().AddDate(0, -(years*12 + months), 0)
	ago := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	return t.Add(-ago), nil
}

func parseDayWord(s string, now time.Time) (time.Time, bool) {
	var back int
	switch strings.ToLower(s) {
	case "今天", "today":
		back = 0
	case "昨天", "yesterday":
		back = 1
	case "前天":
		back = 2
	default:
		return time.Time{}, false
	}
	local := now.In(siteZone)
	day := time.Date(local.Year(), local.Month(), local.Day()-back, 0, 0, 0, 0, siteZone)
	return day.UTC(), true
}
