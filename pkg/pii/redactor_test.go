package pii

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"voicecall-engine/pkg/config"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func allTypes() config.PIIConfig {
	return config.PIIConfig{Enabled: true, Types: []string{"credit_card", "ssn", "phone", "email"}}
}

func TestRedact(t *testing.T) {
	r := NewRedactor(quietLogger(), allTypes())

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"card with spaces", "my card is 4111 1111 1111 1111 thanks", "my card is **** **** **** 1111 thanks"},
		{"card without separators", "4532015112830366", "************0366"},
		{"card failing luhn", "4111 1111 1111 1112", "4111 1111 1111 1112"},
		{"ssn", "social is 078-05-1120", "social is ***-**-1120"},
		{"invalid ssn area", "code 666-12-3456", "code 666-12-3456"},
		{"phone", "call me at (555) 123-4567", "call me at (***) ***-4567"},
		{"phone with country code", "+1 555.123.4567", "+* ***.***.4567"},
		{"email", "write to jane.doe@example.com", "write to j******e@example.com"},
		{"short email", "ab@example.org", "**@example.org"},
		{"nothing sensitive", "Tuesday at 3 works", "Tuesday at 3 works"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Redact(tt.in))
		})
	}
}

func TestOnlyConfiguredTypesAreRedacted(t *testing.T) {
	r := NewRedactor(quietLogger(), config.PIIConfig{Enabled: true, Types: []string{" Email ", "passport"}})
	assert.Equal(t, []Type{TypeEmail}, r.Types())
	assert.Equal(t, "j**n@example.com or 555-123-4567", r.Redact("john@example.com or 555-123-4567"))
}

func TestNilRedactorPassesThrough(t *testing.T) {
	var r *Redactor
	assert.Equal(t, "555-123-4567", r.Redact("555-123-4567"))
}

func TestValidCard(t *testing.T) {
	assert.True(t, validCard("378282246310005"))
	assert.False(t, validCard("0000000000000000"))
	assert.False(t, validCard("1234"))
}
