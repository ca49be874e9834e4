package outcome

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Family groups prediction strings that resolve by the same rule.
type Family string

const (
	FamilyUnknown     Family = ""
	FamilyMoneyline   Family = "1x2"
	FamilyOverUnder   Family = "over_under"
	FamilyBTTS        Family = "btts"
	FamilyHTMoneyline Family = "ht_1x2"
	FamilyHTOverUnder Family = "ht_over_under"
	FamilyCrypto      Family = "crypto_threshold"
)

// Crypto threshold directions.
const (
	Above = "above"
	Below = "below"
)

var (
	// ErrUnknownFamily marks a prediction that does not belong to any supported market family.
	ErrUnknownFamily = errors.New("outcome: prediction matches no market family")
	// ErrFormatMismatch marks a prediction that parses into a family but is not written in
	// that family's canonical alphabet, so no emitted outcome could ever equal it.
	ErrFormatMismatch = errors.New("outcome: prediction is not in canonical format")
	// ErrOutcomeUnavailable marks a fixture result that lacks the outcome a family needs.
	ErrOutcomeUnavailable = errors.New("outcome: fixture outcome unavailable")
	// ErrWrongFamily is returned when a decision helper is used for the wrong family.
	ErrWrongFamily = errors.New("outcome: decision helper does not apply to family")
)

var (
	cryptoRe    = regexp.MustCompile(`(?i)^([a-z0-9]+)\s+(above|below)\s+\$([0-9]+(?:\.[0-9]+)?)$`)
	overUnderRe = regexp.MustCompile(`(?i)\b(over|under)\s+([0-9]+\.5)\b`)
	htRe        = regexp.MustCompile(`(?i)\bht\b|half[\s-]?time|first half|1st half`)
	bttsRe      = regexp.MustCompile(`(?i)\bbtts\b|both teams to score`)
	sideRe      = regexp.MustCompile(`(?i)\b(home|draw|away)\b`)
	yesNoRe     = regexp.MustCompile(`(?i)\b(yes|no)\b`)
)

// Prediction is the parsed form of a pool's predicted outcome. It is persisted
// next to the raw string so that settlement switches on Family instead of
// re-reading text.
type Prediction struct {
	Family      Family `json:"family"`
	Side        string `json:"side"`
	Threshold   string `json:"threshold,omitempty"`
	LongForm    bool   `json:"long_form,omitempty"`
	Symbol      string `json:"symbol,omitempty"`
	TargetPrice string `json:"target_price,omitempty"`
	Canonical   bool   `json:"canonical"`
	Raw         string `json:"raw"`
}

// Parse classifies a predicted outcome into its market family.
func Parse(raw string) (Prediction, error) {
	s := Clean(raw)
	if s == "" {
		return Prediction{Raw: s}, ErrUnknownFamily
	}

	if m := cryptoRe.FindStringSubmatch(s); m != nil {
		p := Prediction{
			Family:      FamilyCrypto,
			Side:        strings.ToLower(m[2]),
			Symbol:      strings.ToUpper(m[1]),
			TargetPrice: m[3],
			Raw:         s,
		}
		p.Canonical = s == cryptoString(p.Symbol, p.Side, p.TargetPrice)
		return p, nil
	}

	halfTime := htRe.MatchString(s)

	if m := overUnderRe.FindStringSubmatch(s); m != nil {
		side := title(m[1])
		threshold := m[2]
		if halfTime {
			if !containsThreshold(HalfTimeThresholds, threshold) {
				return Prediction{Raw: s}, fmt.Errorf("%w: half-time line %s", ErrUnknownFamily, threshold)
			}
			p := Prediction{Family: FamilyHTOverUnder, Side: side, Threshold: threshold, Raw: s}
			p.Canonical = s == htOverUnderString(side, threshold)
			return p, nil
		}
		if !containsThreshold(FullTimeThresholds, threshold) {
			return Prediction{Raw: s}, fmt.Errorf("%w: full-time line %s", ErrUnknownFamily, threshold)
		}
		p := Prediction{Family: FamilyOverUnder, Side: side, Threshold: threshold, Raw: s}
		p.Canonical = s == overUnderString(side, threshold)
		return p, nil
	}

	if halfTime {
		if m := sideRe.FindStringSubmatch(s); m != nil {
			side := title(m[1])
			p := Prediction{Family: FamilyHTMoneyline, Side: side, Raw: s}
			p.Canonical = s == side+" HT"
			return p, nil
		}
		return Prediction{Raw: s}, ErrUnknownFamily
	}

	lower := strings.ToLower(s)
	if lower == "yes" || lower == "no" || bttsRe.MatchString(s) {
		m := yesNoRe.FindStringSubmatch(s)
		if m == nil {
			return Prediction{Raw: s}, fmt.Errorf("%w: btts prediction without yes/no", ErrUnknownFamily)
		}
		side := title(m[1])
		return Prediction{Family: FamilyBTTS, Side: side, Raw: s, Canonical: s == side}, nil
	}

	switch lower {
	case "home", "away", "draw":
		side := title(lower)
		return Prediction{Family: FamilyMoneyline, Side: side, Raw: s, Canonical: s == side}, nil
	case "home wins", "away wins":
		side := title(strings.Fields(lower)[0])
		return Prediction{Family: FamilyMoneyline, Side: side, LongForm: true, Raw: s, Canonical: s == side+" wins"}, nil
	}

	return Prediction{Raw: s}, ErrUnknownFamily
}

// Decide returns the canonical outcome string of a football prediction for the
// given fixture outcomes.
func Decide(p Prediction, o Outcomes) (string, error) {
	if !p.Canonical {
		return "", fmt.Errorf("%w: %q", ErrFormatMismatch, p.Raw)
	}

	switch p.Family {
	case FamilyMoneyline:
		if o.Result1X2 == "" {
			return "", fmt.Errorf("%w: 1x2", ErrOutcomeUnavailable)
		}
		return moneylineString(o.Result1X2, p.LongForm), nil
	case FamilyOverUnder:
		v, ok := o.OverUnder(p.Threshold)
		if !ok || v == "" {
			return "", fmt.Errorf("%w: over/under %s", ErrOutcomeUnavailable, p.Threshold)
		}
		return overUnderString(v, p.Threshold), nil
	case FamilyBTTS:
		if o.BTTS == "" {
			return "", fmt.Errorf("%w: btts", ErrOutcomeUnavailable)
		}
		return o.BTTS, nil
	case FamilyHTMoneyline:
		if o.HTResult == "" {
			return "", fmt.Errorf("%w: half-time 1x2", ErrOutcomeUnavailable)
		}
		return o.HTResult + " HT", nil
	case FamilyHTOverUnder:
		v, ok := o.HTOverUnder(p.Threshold)
		if !ok || v == "" {
			return "", fmt.Errorf("%w: half-time over/under %s", ErrOutcomeUnavailable, p.Threshold)
		}
		return htOverUnderString(v, p.Threshold), nil
	case FamilyCrypto:
		return "", ErrWrongFamily
	}
	return "", ErrUnknownFamily
}

// DecideCrypto returns the canonical outcome of a crypto threshold prediction
// given the spot price observed at decision time.
func DecideCrypto(p Prediction, spot decimal.Decimal) (string, error) {
	if p.Family != FamilyCrypto {
		return "", ErrWrongFamily
	}
	if !p.Canonical {
		return "", fmt.Errorf("%w: %q", ErrFormatMismatch, p.Raw)
	}
	target, err := decimal.NewFromString(p.TargetPrice)
	if err != nil {
		return "", fmt.Errorf("parse target price %q: %w", p.TargetPrice, err)
	}

	holds := spot.GreaterThanOrEqual(target)
	if p.Side == Below {
		holds = spot.LessThan(target)
	}
	side := p.Side
	if !holds {
		side = oppositeDirection(p.Side)
	}
	return cryptoString(p.Symbol, side, p.TargetPrice), nil
}

// Opposite returns the canonical opposite outcome for binary families.
func (p Prediction) Opposite() (string, bool) {
	switch p.Family {
	case FamilyOverUnder:
		return overUnderString(oppositeOU(p.Side), p.Threshold), true
	case FamilyHTOverUnder:
		return htOverUnderString(oppositeOU(p.Side), p.Threshold), true
	case FamilyBTTS:
		if p.Side == Yes {
			return No, true
		}
		return Yes, true
	case FamilyCrypto:
		return cryptoString(p.Symbol, oppositeDirection(p.Side), p.TargetPrice), true
	}
	return "", false
}

// Matches reports whether a decided outcome equals the prediction byte for byte.
func (p Prediction) Matches(outcome string) bool {
	return p.Canonical && p.Raw == outcome
}

// IsFootball reports whether the family settles on a fixture result.
func (f Family) IsFootball() bool {
	switch f {
	case FamilyMoneyline, FamilyOverUnder, FamilyBTTS, FamilyHTMoneyline, FamilyHTOverUnder:
		return true
	}
	return false
}

func moneylineString(result string, long bool) string {
	if result == Draw || !long {
		return result
	}
	return result + " wins"
}

func overUnderString(side, threshold string) string {
	return side + " " + threshold
}

func htOverUnderString(side, threshold string) string {
	return side + " " + threshold + " HT"
}

func cryptoString(symbol, direction, price string) string {
	return fmt.Sprintf("%s %s $%s", symbol, direction, price)
}

func oppositeOU(side string) string {
	if side == Over {
		return Under
	}
	return Over
}

func oppositeDirection(direction string) string {
	if direction == Above {
		return Below
	}
	return Above
}

func title(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
