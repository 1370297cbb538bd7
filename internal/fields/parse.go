// Package fields turns noisy recognized bill text into best-guess merchant,
// amount and date values.
package fields

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// AmountCeiling is the exclusive upper bound for a plausible single bill amount
	AmountCeiling = 10000.0

	minMerchantLen    = 3
	maxMerchantLen    = 50
	merchantScanDepth = 5
)

// Fields contains the values extracted from bill text. Every field is optional;
// the zero value means the field was not found.
type Fields struct {
	Merchant string  `json:"merchant,omitempty"`
	Amount   float64 `json:"amount,omitempty"`
	Date     string  `json:"date,omitempty"` // raw matched substring
}

// HasMerchant reports whether a merchant was found
func (f Fields) HasMerchant() bool { return f.Merchant != "" }

// HasAmount reports whether an amount was found
func (f Fields) HasAmount() bool { return f.Amount > 0 }

// HasDate reports whether a date was found
func (f Fields) HasDate() bool { return f.Date != "" }

type pattern struct {
	name string
	re   *regexp.Regexp
}

// amountNumber matches either a comma-grouped number or a plain one, each with up to two decimals.
const amountNumber = `(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`

// twoDecimalNumber is amountNumber with exactly two decimals required.
const twoDecimalNumber = `(\d{1,3}(?:,\d{3})+\.\d{2}|\d+\.\d{2})`

const currencySymbols = `$€£¥₹`

// Amount patterns, most specific first. Order matters: the first pattern with a valid
// candidate decides the amount.
var amountPatterns = []pattern{
	{"currency-prefix", regexp.MustCompile(`[` + currencySymbols + `]\s*` + amountNumber)},
	{"currency-suffix", regexp.MustCompile(twoDecimalNumber + `\s*[` + currencySymbols + `]`)},
	{"total-keyword", regexp.MustCompile(`(?i)total[:\s]*[` + currencySymbols + `]?\s*` + amountNumber)},
	{"amount-keyword", regexp.MustCompile(`(?i)amount[:\s]*[` + currencySymbols + `]?\s*` + amountNumber)},
	{"bare-decimal", regexp.MustCompile(`\b` + twoDecimalNumber)},
}

// Date patterns, tried in order; the first hit anywhere in the text wins.
var datePatterns = []pattern{
	{"slash", regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{2,4})\b`)},
	{"dash", regexp.MustCompile(`\b(\d{1,2}-\d{1,2}-\d{2,4})\b`)},
	{"month-name", regexp.MustCompile(`(?i)\b((?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{2,4})\b`)},
	{"iso", regexp.MustCompile(`\b(\d{4}[-/]\d{2}[-/]\d{2})`)},
}

var (
	whitespaceRe       = regexp.MustCompile(`\s+`)
	merchantDenyRe     = regexp.MustCompile(`(?i)\b(receipt|bill|invoice|total|subtotal|amount|date|time|tax|payment|card|cash)\b`)
	merchantDisallowRe = regexp.MustCompile(`[^\p{L}\p{N}\s&'-]`)
)

// Parse extracts merchant, amount and date guesses from text. It never fails;
// fields that cannot be found are left empty.
func Parse(text string) Fields {
	clean := strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))

	var f Fields
	if amount, ok := extractAmount(clean); ok {
		f.Amount = amount
	}
	f.Date = extractDate(clean)
	f.Merchant = extractMerchant(text)
	return f
}

// extractAmount applies amountPatterns in order and returns the largest plausible
// candidate of the first pattern that matches at all. When that pattern's candidates
// are all filtered out the amount is left absent.
func extractAmount(clean string) (float64, bool) {
	for _, p := range amountPatterns {
		matches := p.re.FindAllStringSubmatch(clean, -1)
		if len(matches) == 0 {
			continue
		}

		best, found := 0.0, false
		for _, m := range matches {
			v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 || v >= AmountCeiling {
				continue
			}
			if !found || v > best {
				best, found = v, true
			}
		}
		return best, found
	}
	return 0, false
}

func extractDate(clean string) string {
	for _, p := range datePatterns {
		if m := p.re.FindStringSubmatch(clean); m != nil {
			return m[1]
		}
	}
	return ""
}

func extractMerchant(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return ""
	}

	candidate := ""
	if first := lines[0]; merchantLengthOK(first) && !startsWithDigit(first) {
		candidate = first
	} else {
		for _, line := range lines[:min(merchantScanDepth, len(lines))] {
			if !merchantLengthOK(line) || startsWithDigit(line) {
				continue
			}
			if strings.ContainsAny(line, currencySymbols) || merchantDenyRe.MatchString(line) {
				continue
			}
			candidate = line
			break
		}
	}
	if candidate == "" {
		return ""
	}
	return sanitizeMerchant(candidate)
}

// sanitizeMerchant keeps letters, digits, whitespace, '&', '\'' and '-', collapses
// whitespace and truncates to maxMerchantLen characters
func sanitizeMerchant(s string) string {
	s = merchantDisallowRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxMerchantLen {
		s = strings.TrimSpace(string([]rune(s)[:maxMerchantLen]))
	}
	return s
}

func merchantLengthOK(line string) bool {
	n := utf8.RuneCountInString(line)
	return n >= minMerchantLen && n <= maxMerchantLen
}

func startsWithDigit(line string) bool {
	r, _ := utf8.DecodeRuneInString(line)
	return unicode.IsDigit(r)
}
