package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0712345678", "254712345678"},
		{"254712345678", "254712345678"},
		{"+254712345678", "254712345678"},
		{"+254 712 345-678", "254712345678"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), "input %q", tt.in)
	}
}

func TestValidatePushPhone(t *testing.T) {
	assert.NoError(t, ValidatePushPhone("254712345678"))
	assert.Error(t, ValidatePushPhone("0712345678"))
	assert.Error(t, ValidatePushPhone("25471234567"))
	assert.Error(t, ValidatePushPhone("2547123456789"))
	assert.Error(t, ValidatePushPhone("255712345678"))
}
