// Package extract pulls payment metadata out of the raw text recognized from
// a transfer or card receipt.
//
// Every field is resolved by an ordered list of strategies. The first
// strategy that yields a plausible value wins and results are never merged
// across strategies. A field nothing matches is reported as missing so the
// operator can fill it in; values are never guessed.
package extract

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Field names reported in Result.Missing
const (
	FieldAmount      = "amount"
	FieldTime        = "time"
	FieldBank        = "bank"
	FieldOperation   = "operation"
	FieldDestination = "destination"
)

// Strategy inspects folded receipt text and returns a candidate value
type Strategy[T any] func(text string) (T, bool)

// Result holds the fields extracted from a receipt
type Result struct {
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Time        string           `json:"time,omitempty"`
	Bank        string           `json:"bank,omitempty"`
	Operation   string           `json:"operation,omitempty"`
	Destination string           `json:"destination,omitempty"`
	Missing     []string         `json:"missing,omitempty"`
}

// Complete reports whether the fields required to confirm a payment were found
func (r *Result) Complete() bool {
	return r.Amount != nil && r.Operation != ""
}

// Extract runs every field's strategies over the recognized text
func Extract(raw string) *Result {
	text := Fold(raw)
	res := &Result{}

	if amount, ok := firstOf(text, AmountStrategies...); ok {
		res.Amount = &amount
	} else {
		res.Missing = append(res.Missing, FieldAmount)
	}
	if res.Time, _ = firstOf(text, TimeStrategies...); res.Time == "" {
		res.Missing = append(res.Missing, FieldTime)
	}
	if res.Bank, _ = firstOf(text, BankStrategies...); res.Bank == "" {
		res.Missing = append(res.Missing, FieldBank)
	}
	if res.Operation, _ = firstOf(text, OperationStrategies...); res.Operation == "" {
		res.Missing = append(res.Missing, FieldOperation)
	}
	if res.Destination, _ = firstOf(text, DestinationStrategies...); res.Destination == "" {
		res.Missing = append(res.Missing, FieldDestination)
	}
	return res
}

func firstOf[T any](text string, strategies ...Strategy[T]) (T, bool) {
	for _, s := range strategies {
		if v, ok := s(text); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Fold lowercases the text and strips diacritics so labels such as
// "Operación" and "OPERACION" compare equal. Line breaks are preserved.
func Fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	folded = strings.ReplaceAll(folded, "\r\n", "\n")
	return strings.ToLower(folded)
}

func lines(text string) []string {
	out := strings.Split(text, "\n")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

// digitRun is a maximal sequence of ASCII digits and its byte offsets
type digitRun struct {
	start, end int
}

func digitRuns(s string) []digitRun {
	var runs []digitRun
	start := -1
	for i := 0; i <= len(s); i++ {
		isDigit := i < len(s) && s[i] >= '0' && s[i] <= '9'
		switch {
		case isDigit && start < 0:
			start = i
		case !isDigit && start >= 0:
			runs = append(runs, digitRun{start: start, end: i})
			start = -1
		}
	}
	return runs
}

func byteAt(s string, i int) byte {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

func isDigitByte(b byte) bool {
	return b >= '0' && b <= '9'
}

// joinsNumber reports whether the separator at i glues the run to more digits
func joinsNumber(s string, i, dir int) bool {
	b := byteAt(s, i)
	if b != '.' && b != ',' {
		return false
	}
	return isDigitByte(byteAt(s, i+dir))
}

// freeNumbers returns digit runs of the given length range that are not
// part of a larger formatted number
func freeNumbers(s string, minLen, maxLen int) []digitRun {
	var out []digitRun
	for _, r := range digitRuns(s) {
		n := r.end - r.start
		if n < minLen || n > maxLen {
			continue
		}
		if joinsNumber(s, r.start-1, -1) || joinsNumber(s, r.end, 1) {
			continue
		}
		out = append(out, r)
	}
	return out
}
