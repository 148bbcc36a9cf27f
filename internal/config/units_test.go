package config

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWei(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "0"},
		{"0", "0"},
		{"1000000000", "1000000000"},
		{"20gwei", "20000000000"},
		{"1.5 gwei", "1500000000"},
		{"0.5ether", "500000000000000000"},
		{"2ETH", "2000000000000000000"},
		{"42wei", "42"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseWei(tt.in)
			require.NoError(t, err)
			want, _ := new(big.Int).SetString(tt.want, 10)
			assert.Equal(t, 0, want.Cmp(got), "got %s", got)
		})
	}
}

func TestParseWei_Invalid(t *testing.T) {
	for _, in := range []string{"abc", "-1gwei", "0.5wei", "1..2ether"} {
		_, err := ParseWei(in)
		assert.Error(t, err, in)
	}
}

func TestGasPriceWei(t *testing.T) {
	price, err := Network{}.GasPriceWei()
	require.NoError(t, err)
	assert.Nil(t, price)

	price, err = Network{GasPrice: "3gwei"}.GasPriceWei()
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000_000), price.Int64())

	_, err = Network{GasPrice: "cheap"}.GasPriceWei()
	require.Error(t, err)
}
