package pool

import (
	"net"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceID(t *testing.T) {
	t.Parallel()

	re := regexp.MustCompile(`^[a-z]+-[a-z0-9]+-[0-9A-F]{16}$`)
	for i := 0; i < 20; i++ {
		assert.Regexp(t, re, NewDeviceID())
	}
}

func TestNewSessionID(t *testing.T) {
	t.Parallel()

	a := NewSessionID()
	b := NewSessionID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestNewCookieString(t *testing.T) {
	t.Parallel()

	tb := NewCookieString("taobao")
	assert.Contains(t, tb, "cna=")
	assert.Contains(t, tb, "tfstk=")

	jd := NewCookieString("jd")
	assert.Contains(t, jd, "pin=test_")
	assert.Contains(t, jd, "shshshfpb=")

	other := NewCookieString("unknown")
	assert.True(t, strings.HasPrefix(other, "session="))
}

func TestSearchSign(t *testing.T) {
	t.Parallel()

	sign := SearchSign("手机", 1, NewDeviceID())
	parts := strings.SplitN(sign, "_", 3)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 32)
	assert.Len(t, parts[2], 20)
}

func TestRandomForwardedIP(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		ip := RandomForwardedIP()
		require.NotNil(t, net.ParseIP(ip), "not an IP: %s", ip)
	}
}

func TestRandomUserAgentMobileOnly(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		ua := RandomUserAgent(true)
		assert.True(t,
			strings.Contains(ua, "Mobile") || strings.Contains(ua, "iPad"),
			"expected mobile UA, got %s", ua)
	}
}
