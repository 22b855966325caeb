// Package scheduling converts a user's delivery intent into a canonical UTC
// dispatch instant. All calculations are pure: for a fixed request and a
// fixed now they always produce the identical instant, which is what makes
// scheduling operations safe to retry.
package scheduling

import (
	"fmt"
	"time"

	"github.com/capsulenote/capsule/models"
)

// Mode selects how the target date is interpreted.
type Mode string

const (
	// ModeExact dispatches on the target date itself.
	ModeExact Mode = "exact"
	// ModeArriveBy works backward from a desired arrival date using the
	// expected transit time plus a safety buffer.
	ModeArriveBy Mode = "arrive-by"
)

// IsValidMode checks if the provided mode string is a valid Mode.
func IsValidMode(modeStr string) (Mode, bool) {
	m := Mode(modeStr)
	switch m {
	case ModeExact, ModeArriveBy:
		return m, true
	default:
		return "", false
	}
}

// Date is a calendar date with no attached time or zone. Arithmetic on it is
// calendar arithmetic: subtracting days across a DST boundary still lands on
// the expected calendar day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// ParseDate parses a date in YYYY-MM-DD form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// AddDays returns the date n calendar days later (earlier for negative n).
// time.Date normalizes out-of-range days, so month and year boundaries are
// handled for free.
func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func (d Date) String() string {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format(dateLayout)
}

// DeliveryRequest is a user's delivery intent for one letter. It is transient:
// constructed per scheduling call, never persisted as its own entity.
type DeliveryRequest struct {
	Mode        Mode
	TargetDate  Date
	Timezone    string // IANA zone name, e.g. "America/New_York"
	Channel     models.DeliveryChannel
	TransitDays int // arrive-by only: expected transit duration
	BufferDays  int // arrive-by only: fixed safety margin
}

// Config holds the business parameters of dispatch-instant calculation.
type Config struct {
	// SendHour is the local wall-clock hour deliveries are released at.
	SendHour int
	// MinimumLead is how far in the future a dispatch instant must lie.
	MinimumLead time.Duration
}

// DefaultConfig matches the product defaults: letters go out at 09:00 local
// time and must be scheduled at least an hour ahead.
var DefaultConfig = Config{
	SendHour:    9,
	MinimumLead: time.Hour,
}

// CalculateDispatchInstant maps a DeliveryRequest to the UTC instant at which
// the delivery is released to the send pipeline.
//
// The local send hour on the send date is converted to UTC using the zone's
// offset in effect on that date, not the offset in effect now. The same
// wall-clock hour therefore maps to different UTC offsets on either side of
// a DST transition, which is what keeps the delivery window accurate for
// dates scheduled years ahead.
func CalculateDispatchInstant(req DeliveryRequest, now time.Time, cfg Config) (time.Time, error) {
	loc, err := loadZone(req.Timezone)
	if err != nil {
		return time.Time{}, err
	}

	if _, ok := models.IsValidDeliveryChannel(string(req.Channel)); !ok {
		return time.Time{}, &InvalidRequestError{Reason: fmt.Sprintf("unknown channel %q", req.Channel)}
	}

	sendDate := req.TargetDate
	switch req.Mode {
	case ModeExact:
		// Target date is the send date.
	case ModeArriveBy:
		if req.TransitDays < 0 || req.BufferDays < 0 {
			return time.Time{}, &InvalidRequestError{Reason: "transit and buffer days must not be negative"}
		}
		// Calendar subtraction, not instant subtraction, so the send date
		// stays calendar-aligned across DST boundaries.
		sendDate = sendDate.AddDays(-(req.TransitDays + req.BufferDays))
	default:
		return time.Time{}, &InvalidRequestError{Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}

	// For wall-clock times that a spring-forward transition skips, time.Date
	// resolves to a deterministic nearby instant. Repeated calls always agree.
	local := time.Date(sendDate.Year, sendDate.Month, sendDate.Day, cfg.SendHour, 0, 0, 0, loc)
	dispatch := local.UTC()

	earliest := now.Add(cfg.MinimumLead).UTC()
	if dispatch.Before(earliest) {
		return time.Time{}, &PastDateError{Requested: dispatch, Earliest: earliest}
	}

	return dispatch, nil
}

// CreditsFor returns the number of entitlement credits scheduling a delivery
// on the given channel consumes.
func CreditsFor(channel models.DeliveryChannel) int {
	if channel == models.ChannelBoth {
		return 2
	}
	return 1
}

// loadZone resolves an IANA zone name, rejecting the ambient aliases that
// time.LoadLocation would otherwise accept.
func loadZone(zone string) (*time.Location, error) {
	if zone == "" || zone == "Local" {
		return nil, &InvalidTimezoneError{Zone: zone}
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, &InvalidTimezoneError{Zone: zone}
	}
	return loc, nil
}
