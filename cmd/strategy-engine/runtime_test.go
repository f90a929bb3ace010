// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

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
		{"short", "agents", 30, "agents"},
		{"exact", "abcde", 5, "abcde"},
		{"ascii", "abcdefghij", 8, "abcde..."},
		{"multibyte", "évolution stratégique", 10, "évoluti..."},
		{"cjk", "研究代理的策略演化", 6, "研究代..."},
		{"tiny limit", "héllo", 2, "hé"},
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
