package pool

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"
)

// Identity is one rotating client persona: user agent plus the session and
// device material a source expects alongside it. All generated values are
// schema-plausible mimicry, not cryptographically valid credentials.
type Identity struct {
	UserAgent string
	SessionID string
	DeviceID  string
	Cookie    string
	Mobile    bool
}

var desktopUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/115.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/113.0.0.0 Safari/537.36",
}

var mobileUserAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 13; SM-S9180) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/113.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (iPad; CPU OS 16_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5 Mobile/15E148 Safari/604.1",
}

const randomChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(randomChars[rand.Intn(len(randomChars))])
	}
	return b.String()
}

// RandomUserAgent picks a user agent, restricted to mobile ones when
// mobileOnly is set.
func RandomUserAgent(mobileOnly bool) string {
	if mobileOnly {
		return mobileUserAgents[rand.Intn(len(mobileUserAgents))]
	}
	all := append(append([]string{}, desktopUserAgents...), mobileUserAgents...)
	return all[rand.Intn(len(all))]
}

// NewSessionID generates a session id in the app's observed format.
func NewSessionID() string {
	base := fmt.Sprintf("tb_%d_%d_ios", time.Now().Unix(), rand.Uint32())
	return fmt.Sprintf("%x", md5.Sum([]byte(base)))
}

// NewDeviceID generates a device fingerprint: manufacturer-model-serial.
func NewDeviceID() string {
	manufacturers := []string{"apple", "huawei", "xiaomi", "oppo", "vivo"}
	models := []string{"iphone14", "mate60", "mi14", "reno10", "x100"}
	hexDigits := []byte("0123456789ABCDEF")
	serial := make([]byte, 16)
	for i, j := range rand.Perm(16) {
		serial[i] = hexDigits[j]
	}
	return fmt.Sprintf("%s-%s-%s",
		manufacturers[rand.Intn(len(manufacturers))],
		models[rand.Intn(len(models))],
		serial)
}

// NewCookieString assembles a plausible cookie header value for the given
// source's known cookie schema. Unknown sources get a generic session cookie.
func NewCookieString(source string) string {
	var pairs []string
	switch source {
	case "taobao":
		pairs = []string{
			"cna=" + randomString(16),
			"cookie2=" + randomString(32),
			"t=" + randomString(40),
			"thw=cn",
			"tracknick=test_" + randomString(6),
			"l=0" + randomString(18),
			"isg=" + randomString(32),
			"tfstk=" + randomString(43),
		}
	case "jd":
		pairs = []string{
			"pin=test_" + randomString(8),
			"jdv=76161171|baidu-pinzhuan|t_" + randomString(10),
			"jdw=" + randomString(32),
			"unick=test_" + randomString(6),
			"wlfstk_smdl=" + randomString(32),
			"shshshfpa=" + randomString(24),
			"shshshfpb=" + randomString(40),
		}
	case "pdd":
		pairs = []string{
			"api_uid=" + randomString(16) + "==",
			"pd_user_id=" + randomString(16),
			fmt.Sprintf("pd_session_id=%s%%7C%d", randomString(32), time.Now().Unix()),
			"pdd_sso_token=" + randomString(40),
			"mobile_uuid=" + randomString(32),
		}
	default:
		pairs = []string{"session=" + randomString(32)}
	}
	return strings.Join(pairs, "; ")
}

// NewIdentity mints a full persona for the source.
func NewIdentity(source string, mobileOnly bool) Identity {
	return Identity{
		UserAgent: RandomUserAgent(mobileOnly),
		SessionID: NewSessionID(),
		DeviceID:  NewDeviceID(),
		Cookie:    NewCookieString(source),
		Mobile:    mobileOnly,
	}
}

// SearchSign computes the layered request signature expected by the search
// endpoint: sha256 over the parameter string plus a time-derived salt, then
// md5 with a version-derived salt.
func SearchSign(keyword string, page int, deviceID string) string {
	ts := time.Now().UnixMilli()
	nonce := randomString(20)
	version := []string{"10.20.0", "10.21.1", "10.22.2"}[rand.Intn(3)]
	network := []string{"wifi", "4g", "5g"}[rand.Intn(3)]

	data := fmt.Sprintf(
		"q=%s&page=%d&ts=%d&nonce=%s&device=%s&version=%s&platform=ios&network=%s&channel=appstore",
		url.QueryEscape(keyword), page, ts, nonce, deviceID, version, network)

	salt1 := fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("%d", ts%3600000/1000))))[:10]
	temp := fmt.Sprintf("%x", sha256.Sum256([]byte(data+salt1)))
	salt2 := "tb_" + fmt.Sprintf("%x", md5.Sum([]byte(version)))[:8]
	sign := fmt.Sprintf("%x", md5.Sum([]byte(temp+salt2)))

	return fmt.Sprintf("%s_%d_%s", sign, ts, nonce)
}

// RandomForwardedIP generates a plausible public IP for X-Forwarded-For.
func RandomForwardedIP() string {
	return fmt.Sprintf("%d.%d.%d.%d",
		10+rand.Intn(241), rand.Intn(256), rand.Intn(256), 1+rand.Intn(254))
}
