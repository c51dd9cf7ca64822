package bingx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalParamsSortsKeys(t *testing.T) {
	params := map[string]string{
		"timestamp": "1700000000000",
		"symbol":    "BTC-USDT",
		"interval":  "5m",
		"limit":     "100",
	}
	got := canonicalParams(params)
	assert.Equal(t, "interval=5m&limit=100&symbol=BTC-USDT&timestamp=1700000000000", got)

	assert.Equal(t, "", canonicalParams(nil))
	assert.Equal(t, "a=1", canonicalParams(map[string]string{"a": "1"}))
}

func TestSignatureProperties(t *testing.T) {
	sign := func(secret, query string) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(query))
		return hex.EncodeToString(mac.Sum(nil))
	}

	query := "symbol=BTC-USDT&timestamp=1700000000000"
	sig := sign("test-secret", query)

	assert.Len(t, sig, 64, "hex-encoded SHA256 digest")
	assert.Equal(t, sig, sign("test-secret", query), "deterministic")
	assert.NotEqual(t, sig, sign("other-secret", query))
	assert.NotEqual(t, sig, sign("test-secret", query+"&extra=1"))
}

func TestDemoSymbolRewrite(t *testing.T) {
	demo := NewClient("k", "s", true, NewRequestManager(10, 0, zerolog.Nop()), zerolog.Nop())
	live := NewClient("k", "s", false, NewRequestManager(10, 0, zerolog.Nop()), zerolog.Nop())

	assert.Equal(t, "BTC-VST", demo.wireSymbol("BTC-USDT"))
	assert.Equal(t, "BTC-USDT", demo.appSymbol("BTC-VST"))
	assert.Equal(t, "BTC-USDT", demo.appSymbol(demo.wireSymbol("BTC-USDT")), "round trip is identity")

	assert.Equal(t, "BTC-USDT", live.wireSymbol("BTC-USDT"))
	assert.Equal(t, "BTC-USDT", live.appSymbol("BTC-USDT"))
}

func TestDemoBaseURL(t *testing.T) {
	demo := NewClient("k", "s", true, NewRequestManager(10, 0, zerolog.Nop()), zerolog.Nop())
	live := NewClient("k", "s", false, NewRequestManager(10, 0, zerolog.Nop()), zerolog.Nop())

	assert.Equal(t, SwapDemoURL, demo.baseURL)
	assert.Equal(t, SwapBaseURL, live.baseURL)
}

func TestFormatFloatTrimsTrailingZeros(t *testing.T) {
	assert.Equal(t, "0.003", formatFloat(0.003))
	assert.Equal(t, "1", formatFloat(1.0))
	assert.Equal(t, "104500.5", formatFloat(104500.50))
}
