package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// EtherDecimals is the decimal precision of the native token.
const EtherDecimals = 18

// FormatEther converts a wei amount to a human-readable decimal string.
func FormatEther(amount *big.Int) string {
	if amount == nil {
		return "0"
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(EtherDecimals), nil)

	whole := new(big.Int).Div(amount, divisor)
	remainder := new(big.Int).Mod(amount, divisor)

	if remainder.Sign() == 0 {
		return whole.String()
	}

	frac := fmt.Sprintf("%018s", remainder.String())
	frac = strings.TrimRight(frac, "0")
	return whole.String() + "." + frac
}

// ParseEther converts a human-readable decimal string to wei. More than 18
// fractional digits is below wei resolution and rejected rather than silently
// truncated.
func ParseEther(amount string) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("chain: empty amount")
	}
	// A sign check on the parsed whole part misses "-0.5", so reject the
	// sign character itself.
	if strings.HasPrefix(amount, "-") || strings.HasPrefix(amount, "+") {
		return nil, fmt.Errorf("chain: signed amounts not allowed")
	}

	parts := strings.Split(amount, ".")

	var whole, decimal string
	switch len(parts) {
	case 1:
		whole = parts[0]
	case 2:
		whole = parts[0]
		decimal = parts[1]
	default:
		return nil, fmt.Errorf("chain: invalid amount format %q", amount)
	}

	wholeBig, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("chain: invalid whole number %q", whole)
	}

	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(EtherDecimals), nil)
	result := new(big.Int).Mul(wholeBig, multiplier)

	if decimal != "" {
		if len(decimal) > EtherDecimals {
			return nil, fmt.Errorf("chain: amount %q exceeds %d decimal places", amount, EtherDecimals)
		}
		for len(decimal) < EtherDecimals {
			decimal += "0"
		}

		decimalBig, ok := new(big.Int).SetString(decimal, 10)
		if !ok || decimalBig.Sign() < 0 {
			return nil, fmt.Errorf("chain: invalid decimal part %q", decimal)
		}
		result.Add(result, decimalBig)
	}

	return result, nil
}

// ApplyRate multiplies a wei amount by a decimal rate string such as "0.05".
// Used to compute the platform commission from the listing amount. The result
// is truncated toward zero.
func ApplyRate(amount *big.Int, rate string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(rate)
	if !ok || r.Sign() < 0 {
		return nil, fmt.Errorf("chain: invalid rate %q", rate)
	}
	product := new(big.Rat).Mul(new(big.Rat).SetInt(amount), r)
	return new(big.Int).Div(product.Num(), product.Denom()), nil
}
