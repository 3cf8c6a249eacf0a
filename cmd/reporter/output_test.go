package main

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "short", in: "insufficient funds", n: 80, want: "insufficient funds"},
		{name: "newlines flattened", in: "line one\nline two", n: 80, want: "line one line two"},
		{name: "ascii cut", in: "insufficient funds", n: 10, want: "insuffi..."},
		{name: "multi-byte cut", in: "balance ₹₹₹₹₹₹ too low", n: 10, want: "balance..."},
		{name: "cut inside multi-byte run", in: "₹₹₹₹₹₹₹₹₹₹₹₹", n: 6, want: "₹₹₹..."},
		{name: "exact rune count", in: "×8 grams", n: 8, want: "×8 grams"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, utf8.RuneCountInString(got), tt.n)
		})
	}
}
