package timer

import "fmt"

// CountdownParts is a remaining time split for display, each part zero
// padded to two digits.
type CountdownParts struct {
	Minutes    string `json:"minutes"`
	Seconds    string `json:"seconds"`
	Hundredths string `json:"hundredths"`
}

// GetCountdownParts formats ms as mm:ss.hh parts. Negative input reads as
// zero; minutes are not capped.
func GetCountdownParts(ms int64) CountdownParts {
	if ms < 0 {
		ms = 0
	}
	return CountdownParts{
		Minutes:    fmt.Sprintf("%02d", ms/60000),
		Seconds:    fmt.Sprintf("%02d", (ms%60000)/1000),
		Hundredths: fmt.Sprintf("%02d", (ms%1000)/10),
	}
}

func (p CountdownParts) String() string {
	return p.Minutes + ":" + p.Seconds + "." + p.Hundredths
}
