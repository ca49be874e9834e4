package chain

import (
	_ "embed"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	//go:embed abi/guided_oracle.json
	guidedOracleABIJSON string
	//go:embed abi/pool_core.json
	poolCoreABIJSON string
	//go:embed abi/oddyssey.json
	oddysseyABIJSON string
)

var (
	oracleABI   abi.ABI
	poolCoreABI abi.ABI
	oddysseyABI abi.ABI
)

func init() {
	oracleABI = mustParseABI("guided oracle", guidedOracleABIJSON)
	poolCoreABI = mustParseABI("pool core", poolCoreABIJSON)
	oddysseyABI = mustParseABI("oddyssey", oddysseyABIJSON)
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// abiConvert converts an anonymous struct produced by the ABI decoder into T,
// returning nil when the shapes do not match.
func abiConvert[T any](v any) (out *T) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	converted, ok := abi.ConvertType(v, new(T)).(*T)
	if !ok {
		return nil
	}
	return converted
}
