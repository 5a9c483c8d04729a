package calendar

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

const (
	compStandard = "STANDARD"
	compDaylight = "DAYLIGHT"

	propTZID       = "TZID"
	propTZName     = "TZNAME"
	propOffsetFrom = "TZOFFSETFROM"
	propOffsetTo   = "TZOFFSETTO"
)

// Observance onsets are expanded up to this year; TZif v1 transition
// times are 32-bit seconds.
const zoneHorizonYear = 2037

// windowsZones maps the Windows zone names Outlook and Exchange put in TZID
// to IANA names.
var windowsZones = map[string]string{
	"Dateline Standard Time":          "Etc/GMT+12",
	"Hawaiian Standard Time":          "Pacific/Honolulu",
	"Alaskan Standard Time":           "America/Anchorage",
	"Pacific Standard Time":           "America/Los_Angeles",
	"Mountain Standard Time":          "America/Denver",
	"US Mountain Standard Time":       "America/Phoenix",
	"Central Standard Time":           "America/Chicago",
	"Canada Central Standard Time":    "America/Regina",
	"Central America Standard Time":   "America/Guatemala",
	"Mexico Standard Time":            "America/Mexico_City",
	"Eastern Standard Time":           "America/New_York",
	"US Eastern Standard Time":        "America/Indianapolis",
	"Atlantic Standard Time":          "America/Halifax",
	"Newfoundland Standard Time":      "America/St_Johns",
	"SA Eastern Standard Time":        "America/Cayenne",
	"E. South America Standard Time":  "America/Sao_Paulo",
	"Argentina Standard Time":         "America/Buenos_Aires",
	"UTC":                             "Etc/UTC",
	"GMT Standard Time":               "Europe/London",
	"Greenwich Standard Time":         "Atlantic/Reykjavik",
	"W. Europe Standard Time":         "Europe/Berlin",
	"Central Europe Standard Time":    "Europe/Budapest",
	"Central European Standard Time":  "Europe/Warsaw",
	"Romance Standard Time":           "Europe/Paris",
	"GTB Standard Time":               "Europe/Bucharest",
	"E. Europe Standard Time":         "Europe/Chisinau",
	"FLE Standard Time":               "Europe/Kiev",
	"Israel Standard Time":            "Asia/Jerusalem",
	"South Africa Standard Time":      "Africa/Johannesburg",
	"Russian Standard Time":           "Europe/Moscow",
	"Turkey Standard Time":            "Europe/Istanbul",
	"Arabian Standard Time":           "Asia/Dubai",
	"Iran Standard Time":              "Asia/Tehran",
	"Pakistan Standard Time":          "Asia/Karachi",
	"India Standard Time":             "Asia/Calcutta",
	"Nepal Standard Time":             "Asia/Katmandu",
	"Bangladesh Standard Time":        "Asia/Dhaka",
	"SE Asia Standard Time":           "Asia/Bangkok",
	"China Standard Time":             "Asia/Shanghai",
	"Singapore Standard Time":         "Asia/Singapore",
	"Taipei Standard Time":            "Asia/Taipei",
	"Tokyo Standard Time":             "Asia/Tokyo",
	"Korea Standard Time":             "Asia/Seoul",
	"Cen. Australia Standard Time":    "Australia/Adelaide",
	"AUS Central Standard Time":       "Australia/Darwin",
	"E. Australia Standard Time":      "Australia/Brisbane",
	"AUS Eastern Standard Time":       "Australia/Sydney",
	"W. Australia Standard Time":      "Australia/Perth",
	"Tasmania Standard Time":          "Australia/Hobart",
	"New Zealand Standard Time":       "Pacific/Auckland",
	"Fiji Standard Time":              "Pacific/Fiji",
	"Samoa Standard Time":             "Pacific/Apia",
	"Azores Standard Time":            "Atlantic/Azores",
	"Cape Verde Standard Time":        "Atlantic/Cape_Verde",
	"Morocco Standard Time":           "Africa/Casablanca",
	"W. Central Africa Standard Time": "Africa/Lagos",
	"E. Africa Standard Time":         "Africa/Nairobi",
	"Egypt Standard Time":             "Africa/Cairo",
}

// lookupZone resolves a TZID without consulting VTIMEZONE data: an IANA
// name, a Windows name, or a prefixed IANA name such as the ones
// Mozilla clients emit ("/mozilla.org/20050126_1/America/Los_Angeles").
func lookupZone(tzid string) (*time.Location, bool) {
	if tzid == "" {
		return nil, false
	}
	if loc, err := time.LoadLocation(tzid); err == nil {
		return loc, true
	}
	if name, ok := windowsZones[tzid]; ok {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc, true
		}
	}
	parts := strings.Split(strings.Trim(tzid, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if loc, err := time.LoadLocation(strings.Join(parts[i:], "/")); err == nil {
			return loc, true
		}
	}
	return nil, false
}

type transition struct {
	when   int64
	offset int
	dst    bool
	abbr   string
}

// zoneFromVTimezone builds a location named after the component's TZID
// from its STANDARD and DAYLIGHT observances.
func zoneFromVTimezone(tz *ical.Component) (*time.Location, error) {
	tzid := tz.Props.Get(propTZID)
	if tzid == nil || tzid.Value == "" {
		return nil, errors.New("VTIMEZONE without TZID")
	}
	var trans []transition
	for _, obs := range tz.Children {
		if obs.Name != compStandard && obs.Name != compDaylight {
			continue
		}
		t, err := observanceTransitions(obs)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", tzid.Value, obs.Name, err)
		}
		trans = append(trans, t...)
	}
	if len(trans) == 0 {
		return nil, fmt.Errorf("%s: no observances", tzid.Value)
	}
	slices.SortFunc(trans, func(a, b transition) int {
		switch {
		case a.when < b.when:
			return -1
		case a.when > b.when:
			return 1
		}
		return 0
	})
	return time.LoadLocationFromTZData(tzid.Value, tzif(trans))
}

// observanceTransitions lists the UTC onsets of one observance.
func observanceTransitions(obs *ical.Component) ([]transition, error) {
	from, err := utcOffset(obs.Props.Get(propOffsetFrom))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", propOffsetFrom, err)
	}
	to, err := utcOffset(obs.Props.Get(propOffsetTo))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", propOffsetTo, err)
	}
	start := obs.Props.Get(ical.PropDateTimeStart)
	if start == nil {
		return nil, errors.New("missing DTSTART")
	}
	// Onsets are local wall clock in the offset being left; they are
	// expanded as if UTC and shifted afterwards.
	wall, err := time.Parse(localDateTimeFormat, strings.TrimSuffix(start.Value, "Z"))
	if err != nil {
		return nil, err
	}
	abbr := ""
	if p := obs.Props.Get(propTZName); p != nil {
		abbr = p.Value
	}
	if abbr == "" {
		abbr = formatOffset(to)
	}
	mk := func(w time.Time) transition {
		return transition{
			when:   w.Unix() - int64(from),
			offset: to,
			dst:    obs.Name == compDaylight,
			abbr:   abbr,
		}
	}

	walls := []time.Time{wall}
	horizon := time.Date(zoneHorizonYear, time.December, 31, 0, 0, 0, 0, time.UTC)
	if p := obs.Props.Get(ical.PropRecurrenceRule); p != nil && p.Value != "" {
		opt, err := rrule.StrToROptionInLocation(p.Value, time.UTC)
		if err != nil {
			return nil, err
		}
		opt.Dtstart = wall
		if !opt.Until.IsZero() && opt.Until.After(horizon) || opt.Until.IsZero() && opt.Count == 0 {
			opt.Until = horizon
		}
		rule, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, err
		}
		walls = rule.All()
	}
	for _, p := range obs.Props[ical.PropRecurrenceDates] {
		for _, v := range strings.Split(p.Value, ",") {
			w, err := time.Parse(localDateTimeFormat, strings.TrimSuffix(strings.TrimSpace(v), "Z"))
			if err != nil {
				return nil, fmt.Errorf("RDATE: %w", err)
			}
			walls = append(walls, w)
		}
	}

	out := make([]transition, 0, len(walls))
	for _, w := range walls {
		out = append(out, mk(w))
	}
	return out, nil
}

// utcOffset parses a UTC-OFFSET value such as "-0500" or "+053000".
func utcOffset(p *ical.Prop) (int, error) {
	if p == nil {
		return 0, errors.New("missing")
	}
	v := strings.TrimSpace(p.Value)
	if len(v) != 5 && len(v) != 7 {
		return 0, fmt.Errorf("invalid offset %q", v)
	}
	sign := 1
	switch v[0] {
	case '+':
	case '-':
		sign = -1
	default:
		return 0, fmt.Errorf("invalid offset %q", v)
	}
	secs := 0
	for i, unit := range []int{3600, 60, 1} {
		lo := 1 + 2*i
		if lo >= len(v) {
			break
		}
		n, err := strconv.Atoi(v[lo : lo+2])
		if err != nil {
			return 0, fmt.Errorf("invalid offset %q", v)
		}
		secs += n * unit
	}
	return sign * secs, nil
}

func formatOffset(secs int) string {
	sign := '+'
	if secs < 0 {
		sign = '-'
		secs = -secs
	}
	return fmt.Sprintf("%c%02d%02d", sign, secs/3600, secs/60%60)
}

// tzif encodes sorted transitions as TZif version 1 data.
func tzif(trans []transition) []byte {
	type zoneType struct {
		offset int
		dst    bool
		abbr   string
	}
	var (
		types   []zoneType
		abbrs   []byte
		abbrIdx = map[string]int{}
		times   []int32
		idx     []byte
	)
	typeOf := func(t transition) byte {
		zt := zoneType{t.offset, t.dst, t.abbr}
		if i := slices.Index(types, zt); i >= 0 {
			return byte(i)
		}
		if _, ok := abbrIdx[t.abbr]; !ok {
			abbrIdx[t.abbr] = len(abbrs)
			abbrs = append(abbrs, t.abbr...)
			abbrs = append(abbrs, 0)
		}
		types = append(types, zt)
		return byte(len(types) - 1)
	}
	// Times before the first onset use the first observance's offset.
	typeOf(trans[0])
	for _, t := range trans {
		if t.when < -1<<31 || t.when > 1<<31-1 {
			continue
		}
		i := typeOf(t)
		if n := len(times); n > 0 && int64(times[n-1]) == t.when {
			idx[n-1] = i
			continue
		}
		times = append(times, int32(t.when))
		idx = append(idx, i)
	}

	var b bytes.Buffer
	b.WriteString("TZif")
	b.Write(make([]byte, 16))
	for _, n := range []int{0, 0, 0, len(times), len(types), len(abbrs)} {
		_ = binary.Write(&b, binary.BigEndian, uint32(n))
	}
	for _, t := range times {
		_ = binary.Write(&b, binary.BigEndian, t)
	}
	b.Write(idx)
	for _, zt := range types {
		_ = binary.Write(&b, binary.BigEndian, int32(zt.offset))
		if zt.dst {
			b.WriteByte(1)
		} else {
			b.WriteByte(0)
		}
		b.WriteByte(byte(abbrIdx[zt.abbr]))
	}
	b.Write(abbrs)
	return b.Bytes()
}
