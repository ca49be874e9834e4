package outcome

import (
	"fmt"
	"strings"
)

// Canonical outcome values stored on fixture results.
const (
	Home  = "Home"
	Draw  = "Draw"
	Away  = "Away"
	Over  = "Over"
	Under = "Under"
	Yes   = "Yes"
	No    = "No"
)

var (
	// FullTimeThresholds are the goal lines settled on the 90-minute score.
	FullTimeThresholds = []string{"0.5", "1.5", "2.5", "3.5", "4.5"}
	// HalfTimeThresholds are the goal lines settled on the half-time score.
	HalfTimeThresholds = []string{"0.5", "1.5"}
)

// Score is a home/away goal pair.
type Score struct {
	Home int
	Away int
}

func (s Score) String() string {
	return fmt.Sprintf("%d-%d", s.Home, s.Away)
}

// Total returns the sum of both sides' goals.
func (s Score) Total() int {
	return s.Home + s.Away
}

// Outcomes holds every pre-computed canonical market outcome of a fixture.
type Outcomes struct {
	Result1X2 string
	OU05      string
	OU15      string
	OU25      string
	OU35      string
	OU45      string
	BTTS      string
	HTResult  string
	HTOU05    string
	HTOU15    string
}

// Compute derives all canonical outcomes from the 90-minute and half-time scores.
func Compute(ft, ht Score) Outcomes {
	return Outcomes{
		Result1X2: moneyline(ft),
		OU05:      overUnder(ft, 5),
		OU15:      overUnder(ft, 15),
		OU25:      overUnder(ft, 25),
		OU35:      overUnder(ft, 35),
		OU45:      overUnder(ft, 45),
		BTTS:      btts(ft),
		HTResult:  moneyline(ht),
		HTOU05:    overUnder(ht, 5),
		HTOU15:    overUnder(ht, 15),
	}
}

// Complete reports whether every outcome is populated.
func (o Outcomes) Complete() bool {
	for _, v := range []string{o.Result1X2, o.OU05, o.OU15, o.OU25, o.OU35, o.OU45, o.BTTS, o.HTResult, o.HTOU05, o.HTOU15} {
		if v == "" {
			return false
		}
	}
	return true
}

// OverUnder returns the full-time over/under outcome for a supported threshold.
func (o Outcomes) OverUnder(threshold string) (string, bool) {
	switch threshold {
	case "0.5":
		return o.OU05, true
	case "1.5":
		return o.OU15, true
	case "2.5":
		return o.OU25, true
	case "3.5":
		return o.OU35, true
	case "4.5":
		return o.OU45, true
	}
	return "", false
}

// HTOverUnder returns the half-time over/under outcome for a supported threshold.
func (o Outcomes) HTOverUnder(threshold string) (string, bool) {
	switch threshold {
	case "0.5":
		return o.HTOU05, true
	case "1.5":
		return o.HTOU15, true
	}
	return "", false
}

func moneyline(s Score) string {
	switch {
	case s.Home > s.Away:
		return Home
	case s.Away > s.Home:
		return Away
	default:
		return Draw
	}
}

// tenths is the goal line multiplied by ten (2.5 -> 25) to stay in integers.
func overUnder(s Score, tenths int) string {
	if s.Total()*10 > tenths {
		return Over
	}
	return Under
}

func btts(s Score) string {
	if s.Home > 0 && s.Away > 0 {
		return Yes
	}
	return No
}

func containsThreshold(set []string, t string) bool {
	for _, v := range set {
		if v == t {
			return true
		}
	}
	return false
}

// Clean strips NUL and control characters left over from on-chain string
// encoding together with surrounding whitespace.
func Clean(s string) string {
	s = strings.TrimLeftFunc(s, isJunk)
	s = strings.TrimRightFunc(s, isJunk)
	return strings.TrimSpace(s)
}

func isJunk(r rune) bool {
	return r == 0 || r < 0x20 || r == 0x7f
}
