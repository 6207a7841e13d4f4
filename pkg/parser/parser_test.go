package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Tuple
		ok   bool
	}{
		{
			name: "ipv4 accepted line",
			line: "from tcp:203.0.113.5:48290 accepted tcp:example.com:443 [VMESS_TCP -> IPv4] email: 42.alice",
			want: Tuple{User: "42.alice", Address: "203.0.113.5", Inbound: "VMESS_TCP"},
			ok:   true,
		},
		{
			name: "ipv6 bracketed source",
			line: "from tcp:[2001:db8::1]:50000 accepted udp:example.com:53 [VLESS_WS >> direct] email: bob",
			want: Tuple{User: "bob", Address: "2001:db8::1", Inbound: "VLESS_WS"},
			ok:   true,
		},
		{
			name: "no transport scheme on source",
			line: "from 198.51.100.7:1234 accepted tcp:example.com:443 [VIP -> IPv4] email: 7.carol",
			want: Tuple{User: "7.carol", Address: "198.51.100.7", Inbound: "VIP"},
			ok:   true,
		},
		{
			name: "bracket without routing arrow",
			line: "from tcp:198.51.100.7:1234 accepted tcp:example.com:443 [TROJAN_TCP] email: dave",
			want: Tuple{User: "dave", Address: "198.51.100.7", Inbound: "TROJAN_TCP"},
			ok:   true,
		},
		{
			name: "empty bracket falls back to default",
			line: "from tcp:198.51.100.7:1234 accepted tcp:example.com:443 [ -> IPv4] email: dave",
			want: Tuple{User: "dave", Address: "198.51.100.7", Inbound: "default"},
			ok:   true,
		},
		{
			name: "rejected connection",
			line: "from tcp:203.0.113.5:48290 rejected tcp:example.com:443 [VMESS_TCP -> IPv4] email: 42.alice",
			ok:   false,
		},
		{
			name: "missing email",
			line: "from tcp:203.0.113.5:48290 accepted tcp:example.com:443 [VMESS_TCP -> IPv4]",
			ok:   false,
		},
		{
			name: "garbage",
			line: "2024/01/02 core: started",
			ok:   false,
		},
		{
			name: "empty line",
			line: "",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRelevant(t *testing.T) {
	assert.True(t, Relevant("x accepted y email: z"))
	assert.False(t, Relevant("x accepted y"))
	assert.False(t, Relevant("x email: z"))
	assert.False(t, Relevant("core: started"))
}

func TestDisplayUser(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"42.alice", "alice"},
		{"alice", "alice"},
		{"alice.smith", "alice.smith"},
		{"42.", "42."},
		{".alice", ".alice"},
		{"007.bond", "bond"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DisplayUser(tt.in), tt.in)
	}
}
