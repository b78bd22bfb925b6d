package pii

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/metrics"
)

// Type names one kind of personal data
type Type string

const (
	TypeCreditCard Type = "credit_card"
	TypeSSN        Type = "ssn"
	TypePhone      Type = "phone"
	TypeEmail      Type = "email"
)

const mask = '*'

var (
	creditCardPattern = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}[- ]?\d{2}[- ]?\d{4}\b`)
	phonePattern      = regexp.MustCompile(`(?:\+?1[-. ]?)?\(?\b\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`)
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

type rule struct {
	kind    Type
	pattern *regexp.Regexp
	valid   func(string) bool
	redact  func(string) string
}

// rules run in this order so card digits are masked before the shorter
// patterns can claim parts of them
var rules = []rule{
	{kind: TypeCreditCard, pattern: creditCardPattern, valid: validCard, redact: maskDigits},
	{kind: TypeSSN, pattern: ssnPattern, valid: validSSN, redact: maskDigits},
	{kind: TypePhone, pattern: phonePattern, redact: maskDigits},
	{kind: TypeEmail, pattern: emailPattern, redact: maskEmail},
}

// Redactor masks personal data in transcript text
type Redactor struct {
	logger *logrus.Logger
	rules  []rule
}

// NewRedactor creates a redactor for the configured types. Unknown names are
// logged and skipped.
func NewRedactor(logger *logrus.Logger, cfg config.PIIConfig) *Redactor {
	wanted := make(map[Type]bool, len(cfg.Types))
	for _, name := range cfg.Types {
		wanted[Type(strings.TrimSpace(strings.ToLower(name)))] = true
	}

	r := &Redactor{logger: logger}
	for _, rl := range rules {
		if wanted[rl.kind] {
			r.rules = append(r.rules, rl)
			delete(wanted, rl.kind)
		}
	}
	for name := range wanted {
		logger.WithField("type", string(name)).Warn("Unknown PII type ignored")
	}
	return r
}

// Redact returns text with every enabled kind of personal data masked
func (r *Redactor) Redact(text string) string {
	if r == nil || text == "" {
		return text
	}
	for _, rl := range r.rules {
		text = rl.pattern.ReplaceAllStringFunc(text, func(match string) string {
			if rl.valid != nil && !rl.valid(match) {
				return match
			}
			metrics.RecordPIIRedaction(string(rl.kind))
			return rl.redact(match)
		})
	}
	return text
}

// Types returns the enabled kinds in evaluation order
func (r *Redactor) Types() []Type {
	out := make([]Type, 0, len(r.rules))
	for _, rl := range r.rules {
		out = append(out, rl.kind)
	}
	return out
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// maskDigits hides every digit but the last four and keeps separators
func maskDigits(s string) string {
	keep := len(digitsOf(s)) - 4
	out := []rune(s)
	seen := 0
	for i, c := range out {
		if c < '0' || c > '9' {
			continue
		}
		if seen < keep {
			out[i] = mask
		}
		seen++
	}
	return string(out)
}

// maskEmail keeps the domain and the ends of the local part
func maskEmail(s string) string {
	local, domain, ok := strings.Cut(s, "@")
	if !ok {
		return s
	}
	if len(local) <= 2 {
		return strings.Repeat(string(mask), len(local)) + "@" + domain
	}
	return local[:1] + strings.Repeat(string(mask), len(local)-2) + local[len(local)-1:] + "@" + domain
}

func validSSN(s string) bool {
	d := digitsOf(s)
	if len(d) != 9 {
		return false
	}
	switch d {
	case "123456789", "987654321":
		return false
	}
	if strings.Count(d, d[:1]) == 9 {
		return false
	}
	area, group, serial := d[:3], d[3:5], d[5:]
	return area != "000" && area != "666" && area[0] != '9' && group != "00" && serial != "0000"
}

// validCard applies the Luhn checksum
func validCard(s string) bool {
	d := digitsOf(s)
	if len(d) < 13 || len(d) > 19 || strings.Count(d, d[:1]) == len(d) {
		return false
	}
	sum := 0
	double := false
	for i := len(d) - 1; i >= 0; i-- {
		n := int(d[i] - '0')
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
