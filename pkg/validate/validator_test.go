package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signup struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Document string `json:"document" validate:"omitempty,document"`
	Card     string `json:"card_number" validate:"omitempty,luhn"`
}

func TestValidator_Valid(t *testing.T) {
	v := New()
	err := v.Struct(signup{
		Email:    "owner@example.com",
		Password: "correct-horse",
		Document: "529.982.247-25",
		Card:     "4111111111111111",
	})
	assert.NoError(t, err)
}

func TestValidator_Messages(t *testing.T) {
	v := New()
	err := v.Struct(signup{
		Email:    "not-an-email",
		Password: "short",
		Document: "123.456.789-00",
		Card:     "4111111111111112",
	})
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "email must be a valid email address")
	assert.Contains(t, msg, "password must be at least 8 characters")
	assert.Contains(t, msg, "document must be a valid CPF or CNPJ")
	assert.Contains(t, msg, "card_number must be a valid card number")
}

func TestValidator_Required(t *testing.T) {
	err := New().Struct(signup{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email is required")
	assert.Contains(t, err.Error(), "password is required")
}

func TestValidator_NonStruct(t *testing.T) {
	err := New().Struct("plain string")
	assert.Error(t, err)
}
