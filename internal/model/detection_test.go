package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyViolation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		helmet, vest bool
		want         ViolationType
	}{
		{true, true, ViolationNone},
		{false, true, ViolationNoHelmet},
		{true, false, ViolationNoVest},
		{false, false, ViolationBothMissing},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			t.Parallel()
			got := ClassifyViolation(tt.helmet, tt.vest)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want != ViolationNone, got.IsViolation())
		})
	}
}

func TestParseViolationType(t *testing.T) {
	t.Parallel()

	v, ok := ParseViolationType("no_vest")
	assert.True(t, ok)
	assert.Equal(t, ViolationNoVest, v)

	_, ok = ParseViolationType("none")
	assert.False(t, ok)
	_, ok = ParseViolationType("bogus")
	assert.False(t, ok)
}

func TestVerificationResult_Correction(t *testing.T) {
	t.Parallel()

	fp := VerificationResult{FastInitialViolation: true, IsViolation: false}
	assert.Equal(t, CorrectionFalsePositive, fp.Correction())

	fn := VerificationResult{FastInitialViolation: false, IsViolation: true}
	assert.Equal(t, CorrectionFalseNegative, fn.Correction())

	ok := VerificationResult{FastInitialViolation: true, IsViolation: true, FastWasCorrect: true}
	assert.Equal(t, CorrectionNone, ok.Correction())
}

func TestViolationSession_MissingItems(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"helmet", "vest"}, ViolationSession{}.MissingItems())
	assert.Equal(t, []string{"vest"}, ViolationSession{HasHelmet: true}.MissingItems())
	assert.Empty(t, ViolationSession{HasHelmet: true, HasVest: true}.MissingItems())
}
