package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	dErrors "impactledger/pkg/domain-errors"
)

// Identity is an account identity: a 20-byte EVM address. Organizations,
// donors and the owner are all identified this way. The zero value is the
// null identity and never names a real account.
type Identity common.Address

// NullIdentity is the zero address.
var NullIdentity = Identity{}

// ParseIdentity parses a 0x-prefixed hex address. The null address is
// rejected so callers can't smuggle it in as a real account.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identity{}, dErrors.New(dErrors.CodeInvalidInput, "identity is required")
	}
	if !common.IsHexAddress(s) {
		return Identity{}, dErrors.New(dErrors.CodeInvalidInput, "identity must be a hex address")
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return Identity{}, dErrors.New(dErrors.CodeInvalidInput, "identity must not be the null address")
	}
	return Identity(addr), nil
}

// MustParseIdentity is ParseIdentity for constants and tests.
func MustParseIdentity(s string) Identity {
	id, err := ParseIdentity(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsNil reports whether the identity is the null address.
func (i Identity) IsNil() bool {
	return i == NullIdentity
}

// String returns the EIP-55 checksummed hex form.
func (i Identity) String() string {
	return common.Address(i).Hex()
}

// Key is the lower-case hex form used as a storage key.
func (i Identity) Key() string {
	return strings.ToLower(common.Address(i).Hex())
}

func (i Identity) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Identity) UnmarshalText(b []byte) error {
	parsed, err := ParseIdentity(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
