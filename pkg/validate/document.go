// Package validate holds the document and card checks used by the command
// line client, and a struct validator used on outgoing API requests.
package validate

import "strings"

const (
	cpfLength  = 11
	cnpjLength = 14
)

var cnpjFirstWeights = []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
var cnpjSecondWeights = []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}

// Digits strips everything except ASCII digits from s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CPF reports whether s is a valid individual taxpayer number. Punctuation
// is ignored.
func CPF(s string) bool {
	d := toInts(Digits(s))
	if len(d) != cpfLength || allSame(d) {
		return false
	}
	return d[9] == cpfDigit(d[:9]) && d[10] == cpfDigit(d[:10])
}

// CNPJ reports whether s is a valid company registration number.
// Punctuation is ignored.
func CNPJ(s string) bool {
	d := toInts(Digits(s))
	if len(d) != cnpjLength || allSame(d) {
		return false
	}
	return d[12] == cnpjDigit(d[:12], cnpjFirstWeights) &&
		d[13] == cnpjDigit(d[:13], cnpjSecondWeights)
}

// Document accepts either a CPF or a CNPJ.
func Document(s string) bool {
	switch len(Digits(s)) {
	case cpfLength:
		return CPF(s)
	case cnpjLength:
		return CNPJ(s)
	default:
		return false
	}
}

// Luhn reports whether s passes the Luhn checksum used by payment cards.
// Spaces and dashes are ignored; any other non-digit fails.
func Luhn(s string) bool {
	s = strings.NewReplacer(" ", "", "-", "").Replace(s)
	if len(s) < 2 {
		return false
	}

	sum := 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		n := int(c - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// cpfDigit computes the next CPF check digit. Weights run from len+1 down
// to 2.
func cpfDigit(d []int) int {
	sum := 0
	for i, n := range d {
		sum += n * (len(d) + 1 - i)
	}
	r := sum * 10 % 11
	if r == 10 {
		return 0
	}
	return r
}

func cnpjDigit(d, weights []int) int {
	sum := 0
	for i, n := range d {
		sum += n * weights[i]
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

func toInts(s string) []int {
	out := make([]int, len(s))
	for i := range len(s) {
		out[i] = int(s[i] - '0')
	}
	return out
}

func allSame(d []int) bool {
	for _, n := range d[1:] {
		if n != d[0] {
			return false
		}
	}
	return true
}
