// Package currency turns platform amount strings such as "$5.00", "5 EUR" or
// "CA$10.00" into an ISO 4217 code and a numeric amount, and converts amounts
// to USD for ranking.
package currency

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	xcurrency "golang.org/x/text/currency"
)

// symbols maps every known symbol or code, upper-cased, to its ISO code.
// Codes that are also valid ISO codes map to themselves.
var symbols = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"USD": "USD",
	"CA$": "CAD",
	"C$":  "CAD",
	"A$":  "AUD",
	"AU$": "AUD",
	"NZ$": "NZD",
	"HK$": "HKD",
	"NT$": "TWD",
	"MX$": "MXN",
	"R$":  "BRL",
	"S$":  "SGD",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"￥":   "JPY",
	"JP¥": "JPY",
	"CN¥": "CNY",
	"₹":   "INR",
	"₩":   "KRW",
	"₱":   "PHP",
	"PHP": "PHP",
	"₫":   "VND",
	"₪":   "ILS",
	"₺":   "TRY",
	"₽":   "RUB",
	"₴":   "UAH",
	"₦":   "NGN",
	"฿":   "THB",
	"ZŁ":  "PLN",
	"KČ":  "CZK",
	"FT":  "HUF",
	"LEI": "RON",
	"RM":  "MYR",
	"RP":  "IDR",
	"KR":  "SEK",
	"CHF": "CHF",
	"R":   "ZAR",
	"E£":  "EGP",
	"₡":   "CRC",
	"₲":   "PYG",
	"₸":   "KZT",
	"₾":   "GEL",
	"S/":  "PEN",
	"BGN": "BGN",
	"DKK": "DKK",
	"NOK": "NOK",
	"ISK": "ISK",
	"HRK": "HRK",
	"RSD": "RSD",
	"ARS": "ARS",
	"CLP": "CLP",
	"COP": "COP",
	"UYU": "UYU",
	"BOB": "BOB",
	"DOP": "DOP",
	"GTQ": "GTQ",
	"HNL": "HNL",
	"NIO": "NIO",
	"PAB": "PAB",
	"SAR": "SAR",
	"AED": "AED",
	"QAR": "QAR",
	"KWD": "KWD",
	"BHD": "BHD",
	"OMR": "OMR",
	"JOD": "JOD",
	"LBP": "LBP",
	"MAD": "MAD",
	"TND": "TND",
	"KES": "KES",
	"BYN": "BYN",
	"MKD": "MKD",
	"BAM": "BAM",
	"PKR": "PKR",
	"LKR": "LKR",
	"BDT": "BDT",
	"NPR": "NPR",
	"EUR": "EUR",
	"GBP": "GBP",
	"JPY": "JPY",
	"CAD": "CAD",
	"AUD": "AUD",
	"NZD": "NZD",
	"HKD": "HKD",
	"TWD": "TWD",
	"MXN": "MXN",
	"BRL": "BRL",
	"SGD": "SGD",
	"CNY": "CNY",
	"INR": "INR",
	"KRW": "KRW",
	"VND": "VND",
	"ILS": "ILS",
	"TRY": "TRY",
	"RUB": "RUB",
	"UAH": "UAH",
	"PLN": "PLN",
	"CZK": "CZK",
	"HUF": "HUF",
	"RON": "RON",
	"MYR": "MYR",
	"IDR": "IDR",
	"SEK": "SEK",
	"ZAR": "ZAR",
	"THB": "THB",
	"EGP": "EGP",
	"PEN": "PEN",
	"NGN": "NGN",
}

var amountPattern = buildPattern()

// buildPattern compiles one alternation of every symbol, longest first so
// that "CA$" wins over "$" and "RM" over "R".
func buildPattern() *regexp.Regexp {
	keys := make([]string, 0, len(symbols))
	for k := range symbols {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	// Any other upper-case three letter word is a candidate ISO code, checked
	// against the ISO table in Canonical.
	quoted = append(quoted, `(?-i:\b[A-Z]{3}\b)`)
	sym := "(" + strings.Join(quoted, "|") + ")"
	num := `(\d[\d.,\s\x{00a0}\x{202f}']*)`
	// (?i) lets lower-case input such as "5 eur" or "zł" match the upper-case keys.
	return regexp.MustCompile(`(?i)` + sym + `\s*` + num + `|` + num + `\s*` + sym)
}

// Parse extracts an ISO code and amount from s. The symbol may precede or
// follow the number. ok is false when nothing recognisable is found; callers
// then treat the message as non-monetary rather than failing.
func Parse(s string) (code string, amount float64, ok bool) {
	for _, m := range amountPattern.FindAllStringSubmatch(strings.TrimSpace(s), -1) {
		var symbol, number string
		if m[1] != "" {
			symbol, number = m[1], m[2]
		} else {
			number, symbol = m[3], m[4]
		}

		code, ok := Canonical(symbol)
		if !ok {
			continue
		}
		amount, ok := parseNumber(number, decimals(code))
		if !ok {
			continue
		}
		return code, amount, true
	}
	return "", 0, false
}

// Canonical maps a symbol or code to its ISO 4217 code, case-insensitively.
func Canonical(symbol string) (string, bool) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if code, ok := symbols[key]; ok {
		return code, true
	}
	if len(key) == 3 {
		if unit, err := xcurrency.ParseISO(key); err == nil {
			return unit.String(), true
		}
	}
	return "", false
}

// decimals reports the number of minor-unit digits of an ISO code, 2 when
// the code is unknown.
func decimals(code string) int {
	unit, err := xcurrency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := xcurrency.Standard.Rounding(unit)
	return scale
}

// parseNumber strips grouping separators and parses the remainder. When both
// "," and "." appear the later one is the decimal separator; a lone separator
// followed by exactly three digits is treated as grouping unless the currency
// has three decimals (scale).
func parseNumber(s string, scale int) (float64, bool) {
	s = strings.TrimRight(strings.TrimSpace(s), ".,")
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "'", "").Replace(s)
	if s == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	var decimalSep byte
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			decimalSep = ','
		} else {
			decimalSep = '.'
		}
	case lastComma >= 0:
		decimalSep = guessSeparator(s, ',', scale)
	case lastDot >= 0:
		decimalSep = guessSeparator(s, '.', scale)
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == decimalSep:
			b.WriteByte('.')
		}
	}

	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// guessSeparator decides whether sep, the only separator kind in s, is a
// decimal point. Repeated separators, or exactly three trailing digits, mean
// grouping ("1,000", "1.000.000") except for three-decimal currencies, where
// "1.250" is one and a quarter.
func guessSeparator(s string, sep byte, scale int) byte {
	if strings.Count(s, string(sep)) > 1 {
		return 0
	}
	if len(s)-strings.LastIndexByte(s, sep)-1 == 3 && scale != 3 {
		return 0
	}
	return sep
}
