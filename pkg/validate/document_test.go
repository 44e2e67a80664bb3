package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCPF(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"529.982.247-25", true},
		{"52998224725", true},
		{"529.982.247-24", false},
		{"111.111.111-11", false},
		{"5299822472", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CPF(tt.in))
		})
	}
}

func TestCNPJ(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"11.222.333/0001-81", true},
		{"11222333000181", true},
		{"11.222.333/0001-82", false},
		{"00.000.000/0000-00", false},
		{"1122233300018", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CNPJ(tt.in))
		})
	}
}

func TestDocument(t *testing.T) {
	assert.True(t, Document("529.982.247-25"))
	assert.True(t, Document("11.222.333/0001-81"))
	assert.False(t, Document("123"))
}

func TestLuhn(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"4111 1111 1111 1111", true},
		{"4111-1111-1111-1111", true},
		{"4111111111111112", false},
		{"79927398713", true},
		{"4111a11111111111", false},
		{"0", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Luhn(tt.in))
		})
	}
}

func TestDigits(t *testing.T) {
	assert.Equal(t, "11222333000181", Digits("11.222.333/0001-81"))
	assert.Empty(t, Digits("abc"))
}
