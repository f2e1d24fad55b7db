package exchange

import (
	"errors"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrUnsupportedSymbol 表示交易所不支持该交易对，属于永久性错误。
	ErrUnsupportedSymbol = errors.New("exchange does not support symbol")
)

// 交易所返回 25013 表示合约不存在或不可交易。
const unsupportedSymbolCode = "25013"

// IsRetryable 判断错误是否为可重试的瞬时错误。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}

// IsSystemic 判断错误是否为全局性故障（限频、交易所不可用等），
// 此类错误应触发全局退避而非仅针对单一标的。
func IsSystemic(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType:
			return true
		}
	}

	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

// IsUnsupportedSymbol 判断错误是否表示交易对不受支持，应永久拉黑。
func IsUnsupportedSymbol(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnsupportedSymbol) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.BadSymbolErrType {
			return true
		}
		return strings.Contains(ccxtErr.Message, unsupportedSymbolCode)
	}

	return strings.Contains(err.Error(), unsupportedSymbolCode)
}
