package encryption

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/brokerportal/sessionguard/internal/util"
)

// Kind selects a masking rule.
type Kind string

const (
	KindEmail Kind = "email"
	KindPhone Kind = "phone"
	KindName  Kind = "name"
	KindSSN   Kind = "ssn"
)

const (
	maskRun  = "***"
	redacted = "[REDACTED]"
)

// MaskSensitiveData masks value for display according to kind. It is pure
// and deterministic. Unknown kinds yield "[REDACTED]".
func MaskSensitiveData(value string, kind Kind) string {
	switch kind {
	case KindEmail:
		return maskEmail(value)
	case KindPhone:
		return maskPhone(value)
	case KindName:
		return maskName(value)
	case KindSSN:
		return maskSSN(value)
	default:
		return redacted
	}
}

// maskEmail keeps the first two runes of the local part (none when it has
// two or fewer) and the first domain label; every other label becomes ***.
func maskEmail(value string) string {
	local, domain, ok := strings.Cut(value, "@")
	if !ok {
		return redacted
	}
	var b strings.Builder
	if utf8.RuneCountInString(local) > 2 {
		b.WriteString(string([]rune(local)[:2]))
	}
	b.WriteString(maskRun)
	b.WriteByte('@')

	labels := strings.Split(domain, ".")
	b.WriteString(labels[0])
	for range labels[1:] {
		b.WriteByte('.')
		b.WriteString(maskRun)
	}
	return b.String()
}

func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// maskPhone shows the area code and the last four digits of numbers with
// at least ten digits. Country prefixes are dropped.
func maskPhone(value string) string {
	d := digitsOf(value)
	if len(d) < 10 {
		return "***-***-****"
	}
	national := d[len(d)-10:]
	return "(" + national[:3] + ") ***-" + national[6:]
}

// maskName turns "John Smith" into "J*** S.".
func maskName(value string) string {
	tokens := strings.FieldsFunc(util.Normalize(value), unicode.IsSpace)
	for i, tok := range tokens {
		runes := []rune(tok)
		if i == 0 {
			tokens[i] = string(runes[0]) + strings.Repeat("*", len(runes)-1)
			continue
		}
		tokens[i] = string(runes[0]) + "."
	}
	return strings.Join(tokens, " ")
}

// maskSSN shows only the last four digits of a nine-digit SSN.
func maskSSN(value string) string {
	d := digitsOf(value)
	if len(d) != 9 {
		return "***-**-****"
	}
	return "***-**-" + d[5:]
}
