package usdc

const defaultDecimals = 6

// networkDecimals is the USDC token decimal places per payment network.
// Every network we accept payments on today uses 6, same as MicroUSDC.
var networkDecimals = map[string]int{
	"base":         defaultDecimals,
	"base-sepolia": defaultDecimals,
}

// DecimalsForNetwork returns the USDC token decimals for a network.
func DecimalsForNetwork(network string) int {
	if decimals, ok := networkDecimals[network]; ok {
		return decimals
	}
	return defaultDecimals
}
