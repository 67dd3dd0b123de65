package meta

import (
	"strings"

	"github.com/shortontech/formrelay/internal/fields"
)

// UserData is the raw PII taken from a submission.
type UserData struct {
	Email     string
	Phone     string
	FirstName string
	LastName  string
	FullName  string
	Country   string
}

// Names returns explicit first/last names, falling back to splitting FullName
// when both are absent.
func (u UserData) Names() (first, last string) {
	if u.FirstName != "" || u.LastName != "" {
		return u.FirstName, u.LastName
	}
	return fields.SplitName(u.FullName)
}

// UserDataFromFields extracts PII from enriched form fields. defaultCountry
// is used when the form has no country field.
func UserDataFromFields(f map[string]any, defaultCountry string) UserData {
	u := UserData{
		Email:     fields.Lookup(f, func(k string) bool { return strings.Contains(strings.ToLower(k), "email") }),
		Phone:     fields.Lookup(f, fields.IsPhoneKey),
		FirstName: fields.Lookup(f, func(k string) bool { return k == fields.FirstNameKey }),
		LastName:  fields.Lookup(f, func(k string) bool { return k == fields.LastNameKey }),
		FullName:  fields.Lookup(f, fields.IsNameKey),
		Country:   fields.Lookup(f, isCountryKey),
	}
	if u.Country == "" {
		u.Country = defaultCountry
	}
	return u
}

func isCountryKey(k string) bool {
	switch strings.ToLower(k) {
	case "country", "pais", "país", "country_code":
		return true
	}
	return false
}
