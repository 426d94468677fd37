package accesslist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessListCIDR(t *testing.T) {
	a := New([]string{"127.0.0.1/32", "192.0.2.0/24"})

	assert.True(t, a.Allowed(net.ParseIP("127.0.0.1")))
	assert.True(t, a.Allowed(net.ParseIP("192.0.2.53")))
	assert.False(t, a.Allowed(net.ParseIP("10.0.0.1")))
}

func TestAccessListBareIPEntry(t *testing.T) {
	a := New([]string{"203.0.113.1"})

	assert.True(t, a.Allowed(net.ParseIP("203.0.113.1")))
	assert.False(t, a.Allowed(net.ParseIP("203.0.113.2")))
}

func TestAccessListSkipsMalformedEntries(t *testing.T) {
	a := New([]string{"not-a-cidr", "198.51.100.0/24"})

	assert.True(t, a.Allowed(net.ParseIP("198.51.100.5")))
}

func TestAccessListEmptyDeniesAll(t *testing.T) {
	a := New(nil)

	assert.False(t, a.Allowed(net.ParseIP("127.0.0.1")))
}

func TestAllowedAddr(t *testing.T) {
	a := New([]string{"127.0.0.1/32"})

	assert.True(t, a.AllowedAddr(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5353}))
	assert.False(t, a.AllowedAddr(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5353}))
}
