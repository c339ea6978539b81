package model

import "strings"

// User is the subset of the user profile the query executor reads.
type User struct {
	ID               string   `json:"user_id"`
	Name             string   `json:"name"`
	ZipCode          string   `json:"zip_code"`
	Language         Language `json:"language"`
	HealthConditions []string `json:"health_conditions"`
	Preferences      []string `json:"preferences"`
}

// Summary renders the profile section of a query prompt.
func (u *User) Summary() string {
	var b strings.Builder
	b.WriteString("Name: " + orUnknown(u.Name) + "\n")
	lang := u.Language
	if lang == "" {
		lang = English
	}
	b.WriteString("Preferred language: " + string(lang) + "\n")
	b.WriteString("Zip code: " + orUnknown(u.ZipCode) + "\n")
	if len(u.HealthConditions) > 0 {
		b.WriteString("Health conditions: " + strings.Join(u.HealthConditions, ", ") + "\n")
	}
	if len(u.Preferences) > 0 {
		b.WriteString("Preferences: " + strings.Join(u.Preferences, ", ") + "\n")
	}
	return b.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
