package davclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/cyp0633/caldora/internal/httpclient"
)

// BusyPeriod is one FREEBUSY period of a free-busy-query answer.
type BusyPeriod struct {
	Start time.Time
	End   time.Time
	// Type is the FBTYPE, such as BUSY or BUSY-TENTATIVE.
	Type string
}

// FreeBusy runs a free-busy-query REPORT on the calendar.
func (c *davClient) FreeBusy(ctx context.Context, start, end time.Time) ([]BusyPeriod, error) {
	return freeBusy(ctx, c.http, c.calendarURL, start, end)
}

func freeBusy(ctx context.Context, hc *httpclient.Client, target string, start, end time.Time) ([]BusyPeriod, error) {
	body := caldav("free-busy-query", timeRangeProperty(TimeRange{Start: start, End: end}))
	resp, err := hc.Do(ctx, httpclient.Request{
		Method:   "REPORT",
		URL:      target,
		Depth:    httpclient.DepthOne,
		Document: httpclient.Document(body),
	})
	if err != nil {
		return nil, fmt.Errorf("free-busy query: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpclient.StatusError{Method: "REPORT", URL: resp.URL.String(), StatusCode: resp.StatusCode}
	}
	cal, err := ical.NewDecoder(strings.NewReader(string(resp.Body))).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse free-busy answer: %w", err)
	}
	return busyPeriods(cal)
}

func busyPeriods(cal *ical.Calendar) ([]BusyPeriod, error) {
	var periods []BusyPeriod
	for _, comp := range cal.Children {
		if comp.Name != ical.CompFreeBusy {
			continue
		}
		for _, prop := range comp.Props.Values(ical.PropFreeBusy) {
			fbType := prop.Params.Get("FBTYPE")
			if fbType == "" {
				fbType = "BUSY"
			}
			for _, value := range strings.Split(prop.Value, ",") {
				p, err := parsePeriod(value)
				if err != nil {
					return nil, err
				}
				p.Type = fbType
				periods = append(periods, p)
			}
		}
	}
	return periods, nil
}

// parsePeriod parses an explicit start/end period in UTC.
func parsePeriod(value string) (BusyPeriod, error) {
	s, e, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return BusyPeriod{}, fmt.Errorf("invalid period %q", value)
	}
	start, err := time.Parse(utcFormat, s)
	if err != nil {
		return BusyPeriod{}, fmt.Errorf("invalid period start %q: %w", s, err)
	}
	end, err := time.Parse(utcFormat, e)
	if err != nil {
		return BusyPeriod{}, fmt.Errorf("invalid period end %q: %w", e, err)
	}
	return BusyPeriod{Start: start, End: end}, nil
}
