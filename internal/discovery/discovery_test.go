package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsPublicAddrRejectsPrivateLoopbackAndLinkLocal(t *testing.T) {
	cases := []struct {
		ip     string
		public bool
	}{
		{"8.8.8.8", true},
		{"192.168.1.1", false},
		{"10.0.0.5", false},
		{"127.0.0.1", false},
		{"169.254.1.1", false},
		{"224.0.0.1", false},
		{"2001:4860:4860::8888", true},
		{"::1", false},
		{"fe80::1", true},
	}

	for _, c := range cases {
		ip := net.ParseIP(c.ip)
		require.NotNil(t, ip, c.ip)
		require.Equal(t, c.public, isPublicAddr(ip), c.ip)
	}
}
