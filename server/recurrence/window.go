package recurrence

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"
)

// marginPeriods is how many whole periods the fast-forwarded start is
// kept before the window, so that instances a period spills into its
// neighbour (BYWEEKNO around new year, BYSETPOS) are still generated.
const marginPeriods = 2

var weekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// explicit fills in the BYxxx parts rrule-go derives from DTSTART, so the
// series does not change when DTSTART moves.
func explicit(opt rrule.ROption) rrule.ROption {
	dt := opt.Dtstart
	if len(opt.Byweekno) == 0 && len(opt.Byyearday) == 0 && len(opt.Bymonthday) == 0 &&
		len(opt.Byweekday) == 0 && len(opt.Byeaster) == 0 {
		switch opt.Freq {
		case rrule.YEARLY:
			if len(opt.Bymonth) == 0 {
				opt.Bymonth = []int{int(dt.Month())}
			}
			opt.Bymonthday = []int{dt.Day()}
		case rrule.MONTHLY:
			opt.Bymonthday = []int{dt.Day()}
		case rrule.WEEKLY:
			opt.Byweekday = []rrule.Weekday{weekdays[dt.Weekday()]}
		}
	}
	if len(opt.Byhour) == 0 && opt.Freq < rrule.HOURLY {
		opt.Byhour = []int{dt.Hour()}
	}
	if len(opt.Byminute) == 0 && opt.Freq < rrule.MINUTELY {
		opt.Byminute = []int{dt.Minute()}
	}
	if len(opt.Bysecond) == 0 && opt.Freq < rrule.SECONDLY {
		opt.Bysecond = []int{dt.Second()}
	}
	return opt
}

// civilDays counts calendar days from a to b, ignoring clock and zone offsets.
func civilDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return int(time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC).Sub(time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)) / (24 * time.Hour))
}

// wall is t's wall clock read as UTC. rrule-go steps sub-daily
// frequencies in wall-clock time.
func wall(t time.Time) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

// fastForward moves opt.Dtstart forward by a whole number of rule periods
// so that it lands shortly before target. The series generated from the
// result agrees with the original on every instance at or after target.
func fastForward(opt rrule.ROption, target time.Time) rrule.ROption {
	start := opt.Dtstart
	if !start.Before(target) {
		return opt
	}
	interval := opt.Interval
	if interval < 1 {
		interval = 1
	}
	target = target.In(start.Location())

	var elapsed int
	switch opt.Freq {
	case rrule.YEARLY:
		elapsed = target.Year() - start.Year()
	case rrule.MONTHLY:
		elapsed = (target.Year()-start.Year())*12 + int(target.Month()) - int(start.Month())
	case rrule.WEEKLY:
		elapsed = civilDays(start, target) / 7
	case rrule.DAILY:
		elapsed = civilDays(start, target)
	case rrule.HOURLY:
		elapsed = int(wall(target).Sub(wall(start)) / time.Hour)
	case rrule.MINUTELY:
		elapsed = int(wall(target).Sub(wall(start)) / time.Minute)
	default:
		elapsed = int(wall(target).Sub(wall(start)) / time.Second)
	}
	periods := elapsed/interval - marginPeriods
	if periods <= 0 {
		return opt
	}
	opt = explicit(opt)
	n := periods * interval

	hh, mm, ss := start.Clock()
	loc := start.Location()
	switch opt.Freq {
	case rrule.YEARLY:
		opt.Dtstart = time.Date(start.Year()+n, time.January, 1, hh, mm, ss, 0, loc)
	case rrule.MONTHLY:
		opt.Dtstart = time.Date(start.Year(), start.Month()+time.Month(n), 1, hh, mm, ss, 0, loc)
	case rrule.WEEKLY:
		opt.Dtstart = start.AddDate(0, 0, 7*n)
	case rrule.DAILY:
		opt.Dtstart = start.AddDate(0, 0, n)
	case rrule.HOURLY:
		opt.Dtstart = time.Date(start.Year(), start.Month(), start.Day(), hh+n, mm, ss, 0, loc)
	case rrule.MINUTELY:
		opt.Dtstart = time.Date(start.Year(), start.Month(), start.Day(), hh, mm+n, ss, 0, loc)
	default:
		opt.Dtstart = time.Date(start.Year(), start.Month(), start.Day(), hh, mm, ss+n, 0, loc)
	}
	return opt
}

// ErrScanLimit reports that a rule had to be followed through more than
// MaxScan instances to reach the requested range, typically a COUNT rule
// queried far from its start.
var ErrScanLimit = errors.New("recurrence: scan limit reached before the requested range")

// ruleWindow generates the rule instances starting in [from, to). The
// returned flag reports whether a limit cut the generation short.
func (e *Engine) ruleWindow(opt rrule.ROption, counted bool, from, to time.Time) ([]time.Time, bool, error) {
	if !counted {
		opt = fastForward(opt, from)
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, false, err
	}

	var out []time.Time
	next := r.Iterator()
	scanned := 0
	for {
		t, ok := next()
		if !ok || !t.Before(to) {
			return out, false, nil
		}
		if t.Before(from) {
			scanned++
			if scanned > e.config.MaxScan {
				return nil, true, ErrScanLimit
			}
			continue
		}
		out = append(out, t)
		if len(out) >= e.config.MaxInstances {
			return out, true, nil
		}
	}
}
