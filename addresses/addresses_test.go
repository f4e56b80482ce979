package addresses

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		text     string
		expected string
		ok       bool
	}{
		{text: "10.0.0.5", expected: "10.0.0.5/32", ok: true},
		{text: "10.0.0.5/24", expected: "10.0.0.5/24", ok: true},
		{text: "<192.168.1.0/28>", expected: "192.168.1.0/28", ok: true},
		{text: "2001:db8::1", expected: "2001:db8::1/128", ok: true},
		{text: "2001:db8::/64", expected: "2001:db8::/64", ok: true},
		{text: " 172.16.0.1 ", expected: "172.16.0.1/32", ok: true},
		{text: "", ok: false},
		{text: "10.0.0.5/33", ok: false},
		{text: "not-an-address", ok: false},
		{text: "10.0.0/8", ok: false},
		{text: "fe80::1%eth0", ok: false},
	}

	for _, test := range tests {
		t.Run(test.text, func(t *testing.T) {
			prefix, ok := ParseRange(test.text)
			assert.Equal(t, test.ok, ok)
			if test.ok {
				assert.Equal(t, test.expected, prefix.String())
			} else {
				assert.False(t, prefix.IsValid())
			}
		})
	}
}

func TestContainsAddr(t *testing.T) {
	grant, ok := ParseRange("10.1.2.3/24")
	assert.True(t, ok)

	assert.True(t, ContainsAddr(grant, netip.MustParseAddr("10.1.2.200")))
	assert.False(t, ContainsAddr(grant, netip.MustParseAddr("10.1.3.1")))
	assert.False(t, ContainsAddr(netip.Prefix{}, netip.MustParseAddr("10.1.2.3")))
}
