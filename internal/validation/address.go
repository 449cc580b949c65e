// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrInvalidAddress возвращается для строки, не являющейся адресом кошелька.
var ErrInvalidAddress = errors.New("invalid wallet address")

// NormalizeAddress проверяет адрес кошелька и приводит его к виду с контрольной суммой (EIP-55).
// Регистр входной строки не учитывается, префикс 0x обязателен.
func NormalizeAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !has0xPrefix(s) || !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// IsValidTxHash проверяет хеш транзакции: 0x и 64 шестнадцатеричных символа.
func IsValidTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

func has0xPrefix(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "0x")
}

var unitedStates = map[string]struct{}{
	"usa":    {},
	"us":     {},
	"u.s.a.": {},
	"u.s.":   {},
}

// NormalizeCountry приводит сокращённые названия США к виду, который принимает коммерческая система.
func NormalizeCountry(country string) string {
	c := strings.TrimSpace(country)
	if _, ok := unitedStates[strings.ToLower(c)]; ok {
		return "United States"
	}
	return c
}
