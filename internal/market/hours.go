// Package market provides the trading-calendar predicate jobs use to
// skip work outside market hours.
package market

import (
	"time"
)

// Market identifies a supported exchange region.
type Market string

const (
	US    Market = "US"
	India Market = "IN"
)

// Calendar answers "is the market open right now?" in the market's
// local timezone. Holidays are not modelled; weekends and session
// windows are.
type Calendar struct {
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time

	usLoc *time.Location
	inLoc *time.Location
}

// NewCalendar loads the exchange timezones.
func NewCalendar() (*Calendar, error) {
	usLoc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	inLoc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return nil, err
	}
	return &Calendar{
		Now:   time.Now,
		usLoc: usLoc,
		inLoc: inLoc,
	}, nil
}

// IsMarketHours reports whether the given market is inside its regular
// session: US 09:30-16:00 America/New_York, India 09:15-15:30
// Asia/Kolkata, closed Saturday and Sunday. Unknown markets are treated
// as US.
func (c *Calendar) IsMarketHours(market Market) bool {
	switch market {
	case India:
		return c.open(c.inLoc, 9, 15, 15, 30)
	default:
		return c.open(c.usLoc, 9, 30, 16, 0)
	}
}

// AnyOpen reports whether at least one supported market is in session.
func (c *Calendar) AnyOpen() bool {
	return c.IsMarketHours(US) || c.IsMarketHours(India)
}

func (c *Calendar) open(loc *time.Location, openH, openM, closeH, closeM int) bool {
	now := c.Now().In(loc)
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= openH*60+openM && minutes < closeH*60+closeM
}
