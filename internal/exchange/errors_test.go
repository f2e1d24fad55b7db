package exchange

import (
	"errors"
	"fmt"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "conn reset"}, true},
		{"timeout", &ccxt.Error{Type: ccxt.RequestTimeoutErrType, Message: "timeout"}, true},
		{"rate limit", &ccxt.Error{Type: ccxt.RateLimitExceededErrType, Message: "slow down"}, true},
		{"bad symbol", &ccxt.Error{Type: ccxt.BadSymbolErrType, Message: "no such market"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsSystemic(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"exchange down", &ccxt.Error{Type: ccxt.ExchangeNotAvailableErrType, Message: "maintenance"}, true},
		{"rate limit", &ccxt.Error{Type: ccxt.RateLimitExceededErrType, Message: "slow down"}, true},
		{"ddos guard", &ccxt.Error{Type: ccxt.DDoSProtectionErrType, Message: "blocked"}, true},
		{"http 429 text", errors.New("http status 429"), true},
		{"too many requests text", errors.New("too many requests"), true},
		{"timeout is per-symbol", &ccxt.Error{Type: ccxt.RequestTimeoutErrType, Message: "timeout"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsSystemic(tc.err); got != tc.want {
			t.Fatalf("%s: IsSystemic = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIsUnsupportedSymbol(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrUnsupportedSymbol, true},
		{"wrapped sentinel", fmt.Errorf("fetch ticker: %w", ErrUnsupportedSymbol), true},
		{"bad symbol type", &ccxt.Error{Type: ccxt.BadSymbolErrType, Message: "no such market"}, true},
		{"code 25013 in ccxt message", &ccxt.Error{Type: ccxt.ExchangeErrorErrType, Message: `{"code":"25013","msg":"contract not exists"}`}, true},
		{"code 25013 in plain error", errors.New("order rejected: 25013"), true},
		{"other exchange error", &ccxt.Error{Type: ccxt.ExchangeErrorErrType, Message: "insufficient margin"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := IsUnsupportedSymbol(tc.err); got != tc.want {
			t.Fatalf("%s: IsUnsupportedSymbol = %v, want %v", tc.name, got, tc.want)
		}
	}
}
