package domain

import dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"

// Language identifies the language of an utterance as reported by the ASR
// collaborator. This is a domain primitive that enforces validity at parse
// time.
//
// Usage: construct via ParseLanguage at trust boundaries to enforce the
// allowlist; direct casting bypasses validation.
type Language string

// Supported utterance languages.
const (
	LanguageMandarin  Language = "zh"
	LanguageEnglish   Language = "en"
	LanguageCantonese Language = "yue"
)

// validLanguages is the single source of truth for supported languages.
var validLanguages = map[Language]bool{
	LanguageMandarin:  true,
	LanguageEnglish:   true,
	LanguageCantonese: true,
}

// ParseLanguage constructs a Language from external input.
//
// Errors: returns CodeBadRequest when the value is empty or unsupported.
func ParseLanguage(s string) (Language, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "language cannot be empty")
	}
	l := Language(s)
	if !l.IsValid() {
		return "", dErrors.New(dErrors.CodeBadRequest, "unsupported language")
	}
	return l, nil
}

// IsValid checks if the language is one of the supported enum values.
func (l Language) IsValid() bool {
	return validLanguages[l]
}

// String returns the string representation of the language.
func (l Language) String() string {
	return string(l)
}
