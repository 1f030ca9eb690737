// Package language maps short language codes to the long-form names the
// recognition engine expects.
package language

import "strings"

// Auto is the sentinel hosts send when they have no language preference.
const Auto = "auto"

var names = map[string]string{
	"zh":  "Chinese",
	"en":  "English",
	"ja":  "Japanese",
	"ko":  "Korean",
	"es":  "Spanish",
	"fr":  "French",
	"de":  "German",
	"it":  "Italian",
	"pt":  "Portuguese",
	"ru":  "Russian",
	"ar":  "Arabic",
	"hi":  "Hindi",
	"th":  "Thai",
	"vi":  "Vietnamese",
	"tr":  "Turkish",
	"pl":  "Polish",
	"nl":  "Dutch",
	"sv":  "Swedish",
	"da":  "Danish",
	"fi":  "Finnish",
	"cs":  "Czech",
	"el":  "Greek",
	"ro":  "Romanian",
	"hu":  "Hungarian",
	"yue": "Cantonese",
}

var codes = func() map[string]string {
	out := make(map[string]string, len(names))
	for code, name := range names {
		out[strings.ToLower(name)] = code
	}
	return out
}()

// Normalize returns the canonical name for a short code. Anything not in the
// table, including names the engine already understands, is returned as given.
func Normalize(value string) string {
	if name, ok := names[strings.ToLower(strings.TrimSpace(value))]; ok {
		return name
	}
	return value
}

// Code reverses Normalize. It accepts either a canonical name or a short code
// and reports false when the value is unknown.
func Code(value string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(value))
	if _, ok := names[key]; ok {
		return key, true
	}
	code, ok := codes[key]
	return code, ok
}

// IsAuto reports whether value carries no explicit language: it is blank or
// exactly "auto". Other spellings are treated as language names.
func IsAuto(value string) bool {
	v := strings.TrimSpace(value)
	return v == "" || v == Auto
}
