package models

import (
	"time"
	_ "time/tzdata"
)

// Paris is the reference time zone for calendar-day reasoning.
var Paris = mustLoad("Europe/Paris")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}
