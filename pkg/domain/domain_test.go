package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SearocIsMe/elderly-companion/pkg/domain"
	dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"
)

func TestParseLanguage(t *testing.T) {
	for _, s := range []string{"zh", "en", "yue"} {
		l, err := domain.ParseLanguage(s)
		require.NoError(t, err)
		assert.Equal(t, s, l.String())
	}

	_, err := domain.ParseLanguage("fr")
	require.Error(t, err)
	assert.True(t, dErrors.Is(err, dErrors.CodeBadRequest))

	_, err = domain.ParseLanguage("")
	assert.Error(t, err)
}

func TestParseSeverity(t *testing.T) {
	for n := 1; n <= 4; n++ {
		s, err := domain.ParseSeverity(n)
		require.NoError(t, err)
		assert.True(t, s.IsValid())
	}
	for _, n := range []int{0, 5, -1} {
		_, err := domain.ParseSeverity(n)
		assert.Error(t, err, "severity %d", n)
	}
}

func TestEmergencyCategoryRanking(t *testing.T) {
	// Medical outranks everything; distress ranks below security.
	assert.Less(t, domain.CategoryMedical.Rank(), domain.CategoryFall.Rank())
	assert.Less(t, domain.CategoryFall.Rank(), domain.CategorySOS.Rank())
	assert.Less(t, domain.CategorySecurity.Rank(), domain.CategoryDistress.Rank())

	_, err := domain.ParseEmergencyCategory("weather")
	assert.Error(t, err)

	c, err := domain.ParseEmergencyCategory("medical")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryMedical, c)
}

func TestUtteranceValidate(t *testing.T) {
	valid := domain.Utterance{
		ID: "u-1", SessionID: "s-1", Text: "hello",
		Lang: domain.LanguageEnglish, Confidence: 0.9,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*domain.Utterance)
	}{
		{"missing id", func(u *domain.Utterance) { u.ID = "" }},
		{"missing session", func(u *domain.Utterance) { u.SessionID = "" }},
		{"missing text", func(u *domain.Utterance) { u.Text = "" }},
		{"bad language", func(u *domain.Utterance) { u.Lang = "xx" }},
		{"confidence below range", func(u *domain.Utterance) { u.Confidence = -0.1 }},
		{"confidence above range", func(u *domain.Utterance) { u.Confidence = 1.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := valid
			tt.mutate(&u)
			assert.Error(t, u.Validate())
		})
	}
}

func TestParseUrgency(t *testing.T) {
	u, err := domain.ParseUrgency("calming")
	require.NoError(t, err)
	assert.Equal(t, domain.UrgencyCalming, u)

	_, err = domain.ParseUrgency("panicked")
	assert.Error(t, err)
}
