package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeBasicForms(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"aapl":      "US.AAPL",
		"AAPL":      "US.AAPL",
		"US.AAPL":   "US.AAPL",
		"700":       "HK.00700",
		"00700":     "HK.00700",
		"700.HK":    "HK.00700",
		"HK.700":    "HK.00700",
		"000001":    "HK.00001",  // bare 6-digit, leading zero: HK, not SH
		"600000":    "US.600000", // bare 6-digit, no leading zero: not <=5 digits, so US passthrough
		"600519.SS": "SH.600519", // yfinance Shanghai suffix
		"000001.SZ": "SZ.000001",
		"SZ.1":      "SZ.1", // prefix form: code is taken as-is, no re-padding
	}
	for in, want := range cases {
		assert.Equal(t, want, Canonicalize(in), "input=%q", in)
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{"aapl", "AAPL.US", "700", "700.hk", "600000", "000001.sz", "  msft  ", ""}
	for _, in := range inputs {
		once := Canonicalize(in)
		twice := Canonicalize(once)
		assert.Equal(t, once, twice, "canon(canon(%q)) must equal canon(%q)", in, in)
	}
}

func TestCanonicalizeEmptyStaysEmpty(t *testing.T) {
	assert.Equal(t, "", Canonicalize(""))
	assert.Equal(t, "", Canonicalize("   "))
}
