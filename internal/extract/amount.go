package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	numberToken    = regexp.MustCompile(`\d[\d.,]*\d|\d`)
	amountLabel    = regexp.MustCompile(`\b(importe|monto|amount|total)\b`)
	currencyAmount = regexp.MustCompile(`(?:\$|\bs)\s*(\d[\d.,]*\d|\d)`)
	plainDecimal   = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// AmountStrategies are tried in order: labelled line, currency marker, bare number
var AmountStrategies = []Strategy[decimal.Decimal]{
	AmountFromLabel,
	AmountFromCurrency,
	AmountFromBareNumber,
}

// ParseAmount normalizes a locale-formatted number:
//   - with both ',' and '.', dots group thousands and the comma is decimal
//   - a lone ',' is decimal
//   - several '.' all group thousands
//   - a single '.' followed by exactly three digits groups thousands,
//     otherwise it is the decimal point
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$sS ")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	commas := strings.Count(s, ",")
	dots := strings.Count(s, ".")
	switch {
	case commas > 0 && dots > 0:
		s = strings.ReplaceAll(s, ".", "")
		s = decimalComma(s, commas)
	case commas > 0:
		s = decimalComma(s, commas)
	case dots > 1:
		s = strings.ReplaceAll(s, ".", "")
	case dots == 1:
		if len(s)-strings.Index(s, ".")-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	if !plainDecimal.MatchString(s) {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return decimal.NewFromString(s)
}

// decimalComma keeps the last comma as the decimal point and drops the rest
func decimalComma(s string, commas int) string {
	if commas > 1 {
		last := strings.LastIndex(s, ",")
		s = strings.ReplaceAll(s[:last], ",", "") + s[last:]
	}
	return strings.Replace(s, ",", ".", 1)
}

func plausibleAmount(token string) (decimal.Decimal, bool) {
	amount, err := ParseAmount(token)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}

// AmountFromLabel reads the first number after an amount label, or on the following line
func AmountFromLabel(text string) (decimal.Decimal, bool) {
	ls := lines(text)
	for i, line := range ls {
		loc := amountLabel.FindStringIndex(line)
		if loc == nil {
			continue
		}
		if token := numberToken.FindString(line[loc[1]:]); token != "" {
			if amount, ok := plausibleAmount(token); ok {
				return amount, true
			}
		}
		if i+1 < len(ls) {
			if token := numberToken.FindString(ls[i+1]); token != "" {
				if amount, ok := plausibleAmount(token); ok {
					return amount, true
				}
			}
		}
	}
	return decimal.Zero, false
}

// AmountFromCurrency reads a number following "$" or an OCR-confused "s"
func AmountFromCurrency(text string) (decimal.Decimal, bool) {
	for _, m := range currencyAmount.FindAllStringSubmatch(text, -1) {
		if amount, ok := plausibleAmount(m[1]); ok {
			return amount, true
		}
	}
	return decimal.Zero, false
}

// AmountFromBareNumber takes the first free-standing 4 to 8 digit number that
// does not look like a year or the middle of a dashed CUIT
func AmountFromBareNumber(text string) (decimal.Decimal, bool) {
	for _, r := range freeNumbers(text, 4, 8) {
		token := text[r.start:r.end]
		if strings.HasPrefix(token, "20") {
			continue
		}
		if byteAt(text, r.start-1) == '-' && byteAt(text, r.end) == '-' {
			continue
		}
		if amount, ok := plausibleAmount(token); ok {
			return amount, true
		}
	}
	return decimal.Zero, false
}
