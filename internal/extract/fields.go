package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// bankAlias maps a folded mention to the canonical bank name
type bankAlias struct {
	pattern   *regexp.Regexp
	canonical string
}

// bankAliases is checked in order for every line; the first match wins
var bankAliases = []bankAlias{
	{regexp.MustCompile(`\bmercado\s*pago\b`), "Mercado Pago"},
	{regexp.MustCompile(`\bbna\b`), "BNA+"},
	{regexp.MustCompile(`\bnacion\b`), "Banco Nación"},
	{regexp.MustCompile(`\bcuenta\s*dni\b|\bprovincia\b`), "Banco Provincia"},
	{regexp.MustCompile(`\bgalicia\b`), "Banco Galicia"},
	{regexp.MustCompile(`\bsantander\b`), "Santander"},
	{regexp.MustCompile(`\bbbva\b|\bfrances\b`), "BBVA"},
	{regexp.MustCompile(`\bmacro\b`), "Banco Macro"},
	{regexp.MustCompile(`\bbrubank\b`), "Brubank"},
	{regexp.MustCompile(`\buala\b`), "Ualá"},
	{regexp.MustCompile(`\bnaranja\s*x\b`), "Naranja X"},
	{regexp.MustCompile(`\bpersonal\s*pay\b`), "Personal Pay"},
	{regexp.MustCompile(`\bhsbc\b`), "HSBC"},
	{regexp.MustCompile(`\bicbc\b`), "ICBC"},
	{regexp.MustCompile(`\bcredicoop\b`), "Banco Credicoop"},
	{regexp.MustCompile(`\bpatagonia\b`), "Banco Patagonia"},
	{regexp.MustCompile(`\bsupervielle\b`), "Supervielle"},
	{regexp.MustCompile(`\bciudad\b`), "Banco Ciudad"},
	{regexp.MustCompile(`\blemon\b`), "Lemon"},
	{regexp.MustCompile(`\bprex\b`), "Prex"},
}

var destinationBankLabel = regexp.MustCompile(`^(banco|entidad)\s+(de\s+)?destino\b[\s:]*`)

// BankStrategies resolve the bank the transfer originated from
var BankStrategies = []Strategy[string]{BankFromAliasTable}

// BankFromAliasTable scans line by line for a known bank. Lines labelling the
// receiving bank are skipped, together with the next line when the label
// carries its value there.
func BankFromAliasTable(text string) (string, bool) {
	ls := lines(text)
	for i := 0; i < len(ls); i++ {
		if loc := destinationBankLabel.FindStringIndex(ls[i]); loc != nil {
			if loc[1] == len(ls[i]) {
				i++
			}
			continue
		}
		for _, alias := range bankAliases {
			if alias.pattern.MatchString(ls[i]) {
				return alias.canonical, true
			}
		}
	}
	return "", false
}

var (
	timeWithSeconds = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d):([0-5]\d)\b`)
	timeHourMinute  = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)(?:\s*hs)?\b`)
	dateTime        = regexp.MustCompile(`\b\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}[\s,-]+(?:a\s+las\s+)?([01]?\d|2[0-3])[.h]([0-5]\d)(?:[.:]([0-5]\d))?\b`)
)

// TimeStrategies resolve the time of day of the operation
var TimeStrategies = []Strategy[string]{
	TimeWithSeconds,
	TimeHourMinute,
	TimeFromDateTime,
}

func formatClock(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		n, _ := strconv.Atoi(p)
		out = append(out, fmt.Sprintf("%02d", n))
	}
	return strings.Join(out, ":")
}

// TimeWithSeconds matches HH:MM:SS
func TimeWithSeconds(text string) (string, bool) {
	m := timeWithSeconds.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return formatClock(m[1], m[2], m[3]), true
}

// TimeHourMinute matches HH:MM with an optional "hs" suffix
func TimeHourMinute(text string) (string, bool) {
	m := timeHourMinute.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return formatClock(m[1], m[2]), true
}

// TimeFromDateTime takes the time portion of a date followed by a dotted or "h" separated time
func TimeFromDateTime(text string) (string, bool) {
	m := dateTime.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return formatClock(m[1], m[2], m[3]), true
}

var (
	transactionCode = regexp.MustCompile(`codigo\s+de\s+transaccion[\s:#]*([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)
	mercadoPagoOp   = regexp.MustCompile(`operacion\s+de\s+mercado\s*pago[\s:#]*(?:n(?:ro|umero)?\.?\s*)?(\d{6,})`)
	operationLabel  = regexp.MustCompile(`\boperacion\b`)
	longDigits      = regexp.MustCompile(`\d{10,}`)
)

// OperationStrategies resolve the operation or reference number
var OperationStrategies = []Strategy[string]{
	OperationFromTransactionCode,
	OperationFromMercadoPago,
	OperationFromLabel,
	OperationFromBareNumber,
}

// OperationFromTransactionCode matches a UUID following a transaction code label
func OperationFromTransactionCode(text string) (string, bool) {
	m := transactionCode.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// OperationFromMercadoPago matches the number following a Mercado Pago operation label
func OperationFromMercadoPago(text string) (string, bool) {
	m := mercadoPagoOp.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// OperationFromLabel takes a 10+ digit number after an "operación" label,
// on the same line or the next one
func OperationFromLabel(text string) (string, bool) {
	ls := lines(text)
	for i, line := range ls {
		loc := operationLabel.FindStringIndex(line)
		if loc == nil {
			continue
		}
		if n := longDigits.FindString(line[loc[1]:]); n != "" {
			return n, true
		}
		if i+1 < len(ls) {
			if n := longDigits.FindString(ls[i+1]); n != "" {
				return n, true
			}
		}
	}
	return "", false
}

// OperationFromBareNumber takes any free 11 to 16 digit number. CBU and CVU
// numbers are 22 digits long and therefore never match.
func OperationFromBareNumber(text string) (string, bool) {
	runs := freeNumbers(text, 11, 16)
	if len(runs) == 0 {
		return "", false
	}
	return text[runs[0].start:runs[0].end], true
}

var (
	destinationLabel = regexp.MustCompile(`^(alias|cbu|cvu|cbu\s*/\s*cvu)\s+(?:de\s+)?destino\b[\s:]*`)
	destinationToken = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]*`)
	aliasAnywhere    = regexp.MustCompile(`\balias\s*:\s*([a-z0-9][a-z0-9.\-]{2,})`)
)

// DestinationStrategies resolve the receiving alias, CBU or CVU
var DestinationStrategies = []Strategy[string]{
	DestinationFromLabel,
	DestinationFromCBU,
	DestinationFromAlias,
}

// DestinationFromLabel reads the value of an "alias destino" or "CBU/CVU destino" line
func DestinationFromLabel(text string) (string, bool) {
	ls := lines(text)
	for i, line := range ls {
		loc := destinationLabel.FindStringIndex(line)
		if loc == nil {
			continue
		}
		value := strings.TrimSpace(line[loc[1]:])
		if value == "" && i+1 < len(ls) {
			value = ls[i+1]
		}
		if token := destinationToken.FindString(value); token != "" {
			return strings.TrimRight(token, ".-"), true
		}
	}
	return "", false
}

// DestinationFromCBU takes any bare 22 digit number
func DestinationFromCBU(text string) (string, bool) {
	runs := freeNumbers(text, 22, 22)
	if len(runs) == 0 {
		return "", false
	}
	return text[runs[0].start:runs[0].end], true
}

// DestinationFromAlias matches "alias: token" anywhere in the text
func DestinationFromAlias(text string) (string, bool) {
	m := aliasAnywhere.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimRight(m[1], ".-"), true
}
