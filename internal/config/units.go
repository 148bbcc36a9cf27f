package config

import (
	"fmt"
	"math/big"
	"strings"
)

var unitMultipliers = []struct {
	suffix string
	wei    *big.Int
}{
	{"ether", big.NewInt(1e18)},
	{"eth", big.NewInt(1e18)},
	{"gwei", big.NewInt(1e9)},
	{"wei", big.NewInt(1)},
}

// ParseWei parses amounts like "20gwei", "0.5ether" or "1000000000".
// A bare number is taken as wei.
func ParseWei(s string) (*big.Int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "0" {
		return big.NewInt(0), nil
	}

	multiplier := big.NewInt(1)
	for _, u := range unitMultipliers {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.wei
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	amount, ok := new(big.Rat).SetString(s)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount: %q", s)
	}
	amount.Mul(amount, new(big.Rat).SetInt(multiplier))
	if !amount.IsInt() {
		return nil, fmt.Errorf("amount %q has more precision than 1 wei", s)
	}
	return new(big.Int).Set(amount.Num()), nil
}

// GasPriceWei returns the configured gas price, or nil when the network
// leaves pricing to the node.
func (n Network) GasPriceWei() (*big.Int, error) {
	if n.GasPrice == "" {
		return nil, nil
	}
	price, err := ParseWei(n.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid gas_price: %w", err)
	}
	return price, nil
}
