// Package symbol implements the single canonical-form mapping every
// Bar write and Bar read must pass through. There is no fallback
// variant lookup: exactly one canonical string represents a given
// instrument.
package symbol

import (
	"strings"
)

// Canonicalize maps an arbitrary symbol spelling to exactly one
// canonical form per exchange:
//
//	US.<TICKER>
//	HK.<5-digit zero-padded>
//	SH.<code>
//	SZ.<code>
//
// Accepts bare tickers/codes, yfinance suffix forms ("0700.HK",
// "600519.SS"), and Futu-style prefix forms ("US.AAPL", "HK.00700").
// Empty or non-canonicalizable input returns "" or the uppercased
// input unchanged, respectively — there is no partial guess.
func Canonicalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = strings.ToUpper(s)

	if !strings.Contains(s, ".") {
		if isAllDigits(s) && (len(s) <= 5 || strings.HasPrefix(s, "0")) {
			return "HK." + padHKCode(s)
		}
		return "US." + s
	}

	parts := strings.SplitN(s, ".", 2)
	prefix, suffix := parts[0], parts[1]

	if isExchange(prefix) {
		code := suffix
		if prefix == "HK" {
			code = padHKCode(code)
		}
		return prefix + "." + code
	}
	switch suffix {
	case "HK":
		return "HK." + padHKCode(prefix)
	case "SS":
		return "SH." + prefix
	case "SZ":
		return "SZ." + prefix
	default:
		return s
	}
}

func isExchange(s string) bool {
	switch s {
	case "US", "HK", "SH", "SZ":
		return true
	}
	return false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// padHKCode pads an HK code to 5 digits (e.g. "700" -> "00700"),
// stripping any leading zeros first so "000700" also pads to "00700".
func padHKCode(code string) string {
	trimmed := strings.TrimLeft(code, "0")
	if trimmed == "" {
		trimmed = "0"
	}
	for len(trimmed) < 5 {
		trimmed = "0" + trimmed
	}
	return trimmed
}
