package facilitator

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ValidateMandateSigner checks that an agent-mandate protocol payload's
// signer address is a well-formed Ethereum hex address, as required
// before an agent-to-agent mandated transfer is allowed through.
func ValidateMandateSigner(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("facilitator: %q is not a valid mandate signer address", address)
	}
	return nil
}
