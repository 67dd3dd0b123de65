// Package fields turns raw form values into the field set integrations see.
package fields

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// Lead name keys added for name-like fields.
const (
	FirstNameKey = "lead_fname"
	LastNameKey  = "lead_lname"
)

const brazilDDI = "55"

var (
	phoneKey = regexp.MustCompile(`(?i)phone|telefone|celular|mobile|contato`)
	nameKey  = regexp.MustCompile(`(?i)nome|name|sobrenome|surname|fullname`)
	nonDigit = regexp.MustCompile(`\D`)
	nonAlpha = regexp.MustCompile(`[^a-z]+`)
)

// exactNameKeys outrank other name-like keys in Enrich.
var exactNameKeys = map[string]bool{
	"nome": true, "name": true, "fullname": true, "nomecompleto": true,
}

// nonPersonPrefixes mark name-like keys that name something other than
// the submitter, such as company_name or username.
var nonPersonPrefixes = []string{
	"company", "empresa", "fantasia", "razao", "user", "login",
	"campaign", "utm", "form", "file", "domain", "product", "produto", "page", "event",
}

// IsPhoneKey reports whether key names a phone-like field. Derived split
// fields are not phone-like themselves.
func IsPhoneKey(key string) bool {
	if strings.HasSuffix(key, "_ddi") || strings.HasSuffix(key, "_noddi") || strings.HasSuffix(key, "_e164") {
		return false
	}
	return phoneKey.MatchString(key)
}

// IsNameKey reports whether key names a person-name field.
func IsNameKey(key string) bool {
	if key == FirstNameKey || key == LastNameKey || !nameKey.MatchString(key) {
		return false
	}
	for _, tok := range nonAlpha.Split(strings.ToLower(key), -1) {
		for _, p := range nonPersonPrefixes {
			if strings.HasPrefix(tok, p) {
				return false
			}
		}
	}
	return true
}

// nameRank orders name-like keys: 0 for an exact name key, 1 otherwise.
func nameRank(key string) int {
	if exactNameKeys[nonAlpha.ReplaceAllString(strings.ToLower(key), "")] {
		return 0
	}
	return 1
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	return nonDigit.ReplaceAllString(s, "")
}

// Remap renames raw field ids to integration-facing names. Unmapped keys pass
// through unchanged.
func Remap(raw map[string]any, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if name, ok := mapping[k]; ok && name != "" {
			out[name] = v
			continue
		}
		out[k] = v
	}
	return out
}

// PhoneSplit is the DDI/national split of a phone value.
type PhoneSplit struct {
	Canonical string // digits-only, with the inferred DDI when one was added
	DDI       string
	NoDDI     string
}

// SplitPhone applies the Brazilian DDI rules: an explicit 55 prefix on 12+
// digits is split off, exactly 11 digits are assumed Brazilian, anything
// else has no DDI.
func SplitPhone(value string) PhoneSplit {
	digits := Digits(value)
	switch {
	case strings.HasPrefix(digits, brazilDDI) && len(digits) >= 12:
		return PhoneSplit{Canonical: digits, DDI: brazilDDI, NoDDI: digits[len(brazilDDI):]}
	case len(digits) == 11:
		return PhoneSplit{Canonical: brazilDDI + digits, DDI: brazilDDI, NoDDI: digits}
	default:
		return PhoneSplit{Canonical: digits, DDI: "", NoDDI: digits}
	}
}

// SplitName splits on the first whitespace run.
func SplitName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// E164 formats a canonical digits-only number as +<ddi><number> when
// libphonenumber accepts it as a valid number.
func E164(canonical string) (string, bool) {
	if canonical == "" {
		return "", false
	}
	num, err := libphonenumber.Parse("+"+canonical, "")
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return "", false
	}
	return libphonenumber.Format(num, libphonenumber.E164), true
}

// Enrich adds the derived phone and name fields in place and returns fields.
func Enrich(fields map[string]any) map[string]any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	nameKeyChosen := ""
	for _, k := range keys {
		if !IsNameKey(k) || IsPhoneKey(k) {
			continue
		}
		if v, ok := stringValue(fields[k]); !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if nameKeyChosen == "" || nameRank(k) < nameRank(nameKeyChosen) {
			nameKeyChosen = k
		}
	}

	for _, k := range keys {
		v, ok := stringValue(fields[k])
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}

		if IsPhoneKey(k) {
			split := SplitPhone(v)
			if split.Canonical == "" {
				continue
			}
			fields[k] = split.Canonical
			fields[k+"_ddi"] = split.DDI
			fields[k+"_noddi"] = split.NoDDI
			if e164, ok := E164(split.Canonical); ok {
				fields[k+"_e164"] = e164
			}
			continue
		}

		if k == nameKeyChosen {
			first, last := SplitName(v)
			fields[FirstNameKey] = first
			fields[LastNameKey] = last
		}
	}
	return fields
}

// PrimaryIdentifier picks the value that identifies the submitter: an email,
// else a phone number, else "anonymous".
func PrimaryIdentifier(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.Contains(strings.ToLower(k), "email") {
			if v, ok := stringValue(fields[k]); ok && strings.TrimSpace(v) != "" {
				return strings.ToLower(strings.TrimSpace(v))
			}
		}
	}
	for _, k := range keys {
		if IsPhoneKey(k) {
			if v, ok := stringValue(fields[k]); ok {
				if d := Digits(v); d != "" {
					return d
				}
			}
		}
	}
	return "anonymous"
}

// Lookup returns the first non-empty string value among keys matching pred,
// in sorted key order.
func Lookup(fields map[string]any, pred func(string) bool) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if pred(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := stringValue(fields[k]); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int, int64:
		return fmt.Sprint(t), true
	}
	return "", false
}
