package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"space and hash", "a b/c#1", "a%20b/c%231"},
		{"allowed punctuation", "-_.!~*'()%:@&=+$,;/", "-_.!~*'()%:@&=+$,;/"},
		{"alphanumerics", "AZaz09", "AZaz09"},
		{"url", "http://host:80/exchange/u/Inbox/x.EML", "http://host:80/exchange/u/Inbox/x.EML"},
		{"reserved", "a?b[c]\"<>", "a%3Fb%5Bc%5D%22%3C%3E"},
		{"latin1 low byte only", "café", "caf%E9"},
		{"wide character", "中", "%4E%2D"},
		{"control", "a\tb", "a%09b"},
		{"surrogate pair", "\U0001F600", "%D8%3D%DE%00"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Escape(tt.in))
		})
	}
}
