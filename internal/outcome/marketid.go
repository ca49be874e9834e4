package outcome

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Pool categories.
const (
	CategoryFootball = "football"
	CategoryCrypto   = "crypto"
)

var (
	fixtureIDRe      = regexp.MustCompile(`^[0-9]+$`)
	cryptoMarketIDRe = regexp.MustCompile(`^([A-Za-z0-9]+)_([0-9]+(?:\.[0-9]+)?)_(above|below)_([0-9]+)$`)
)

// CryptoMarket is the decoded form of a synthetic crypto market id
// (SYMBOL_PRICE_DIRECTION_DEADLINE).
type CryptoMarket struct {
	Symbol    string
	Target    decimal.Decimal
	Direction string
	Deadline  time.Time
}

// NormalizeCategory maps the free-form on-chain category onto a known one.
func NormalizeCategory(category string) string {
	switch strings.ToLower(Clean(category)) {
	case "football", "soccer":
		return CategoryFootball
	case "crypto", "cryptocurrency", "cryptocurrencies":
		return CategoryCrypto
	}
	return strings.ToLower(Clean(category))
}

// CleanMarketID removes on-chain encoding artifacts from a market id.
func CleanMarketID(id string) string {
	return Clean(id)
}

// ValidMarketID reports whether id is a valid external identifier for category.
func ValidMarketID(category, id string) bool {
	switch category {
	case CategoryFootball:
		if !fixtureIDRe.MatchString(id) {
			return false
		}
		_, err := strconv.ParseInt(id, 10, 64)
		return err == nil
	case CategoryCrypto:
		_, err := ParseCryptoMarketID(id)
		return err == nil
	}
	return false
}

// FixtureID parses a football market id into its fixture id.
func FixtureID(marketID string) (int64, error) {
	if !fixtureIDRe.MatchString(marketID) {
		return 0, fmt.Errorf("market id %q is not a fixture id", marketID)
	}
	return strconv.ParseInt(marketID, 10, 64)
}

// ParseCryptoMarketID decodes SYMBOL_PRICE_DIRECTION_DEADLINE.
func ParseCryptoMarketID(id string) (CryptoMarket, error) {
	m := cryptoMarketIDRe.FindStringSubmatch(id)
	if m == nil {
		return CryptoMarket{}, fmt.Errorf("market id %q is not a crypto market id", id)
	}
	target, err := decimal.NewFromString(m[2])
	if err != nil {
		return CryptoMarket{}, fmt.Errorf("parse target price: %w", err)
	}
	deadline, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return CryptoMarket{}, fmt.Errorf("parse deadline: %w", err)
	}
	return CryptoMarket{
		Symbol:    strings.ToUpper(m[1]),
		Target:    target,
		Direction: m[3],
		Deadline:  time.Unix(deadline, 0).UTC(),
	}, nil
}
