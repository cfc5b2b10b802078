package policy

import "regexp"

type redactionRule struct {
	kind    string
	pattern *regexp.Regexp
}

// Rules run in order. Secrets and cards go before phone numbers so long digit
// runs and key suffixes are not mistaken for phones.
var redactionRules = []redactionRule{
	{"EMAIL", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"API_KEY", regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_\-]{16,}|r8_[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16}|AIza[0-9A-Za-z_\-]{30,})\b`)},
	{"CARD", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{"PHONE", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// RedactPII masks contact details, card numbers and provider keys before a
// conversation turn is stored. kinds lists what was masked, in rule order.
func RedactPII(input string) (redacted string, kinds []string) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, "[REDACTED_"+rule.kind+"]")
		if next != out {
			kinds = append(kinds, rule.kind)
			out = next
		}
	}
	return out, kinds
}
