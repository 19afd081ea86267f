package userop

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EntryPointVersion identifies the wire layout of a UserOperation. Only the two
// variants below exist; every switch over it must handle both.
type EntryPointVersion int

const (
	EntryPointV06 EntryPointVersion = iota + 1
	EntryPointV07
)

var (
	EntryPointV06Address = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	EntryPointV07Address = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
)

func (v EntryPointVersion) String() string {
	switch v {
	case EntryPointV06:
		return "v0.6"
	case EntryPointV07:
		return "v0.7"
	}
	return fmt.Sprintf("unknown(%d)", int(v))
}

func (v EntryPointVersion) Valid() bool {
	return v == EntryPointV06 || v == EntryPointV07
}

// ParseEntryPointVersion accepts "0.6", "v0.6", "0.7" and "v0.7".
func ParseEntryPointVersion(s string) (EntryPointVersion, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v") {
	case "0.6", "06":
		return EntryPointV06, nil
	case "0.7", "07":
		return EntryPointV07, nil
	}
	return 0, fmt.Errorf("unsupported entrypoint version %q", s)
}

// EntryPoint is the (version, address) pair an operation is hashed and submitted against.
type EntryPoint struct {
	Version EntryPointVersion
	Address common.Address
}

// DefaultEntryPoint returns the canonical deployment of the given version.
func DefaultEntryPoint(version EntryPointVersion) (EntryPoint, error) {
	switch version {
	case EntryPointV06:
		return EntryPoint{Version: version, Address: EntryPointV06Address}, nil
	case EntryPointV07:
		return EntryPoint{Version: version, Address: EntryPointV07Address}, nil
	}
	return EntryPoint{}, fmt.Errorf("unsupported entrypoint version %s", version)
}

// VersionForEntryPoint maps a well-known entrypoint address back to its version.
func VersionForEntryPoint(address common.Address) (EntryPointVersion, bool) {
	switch address {
	case EntryPointV06Address:
		return EntryPointV06, true
	case EntryPointV07Address:
		return EntryPointV07, true
	}
	return 0, false
}
