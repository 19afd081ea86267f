package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Log is an event log as bundlers report it inside receipts.
type Log struct {
	Address          common.Address `json:"address"`
	Topics           []common.Hash  `json:"topics"`
	Data             hexutil.Bytes  `json:"data"`
	BlockNumber      *Quantity      `json:"blockNumber,omitempty"`
	BlockHash        *common.Hash   `json:"blockHash,omitempty"`
	TransactionHash  *common.Hash   `json:"transactionHash,omitempty"`
	TransactionIndex *Quantity      `json:"transactionIndex,omitempty"`
	LogIndex         *Quantity      `json:"logIndex,omitempty"`
	Removed          bool           `json:"removed"`
}

// TransactionReceipt is the bundle transaction an operation was included in.
type TransactionReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	TransactionIndex  *Quantity       `json:"transactionIndex"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       *Quantity       `json:"blockNumber"`
	From              common.Address  `json:"from"`
	To                *common.Address `json:"to"`
	GasUsed           *Quantity       `json:"gasUsed"`
	CumulativeGasUsed *Quantity       `json:"cumulativeGasUsed,omitempty"`
	EffectiveGasPrice *Quantity       `json:"effectiveGasPrice,omitempty"`
	ContractAddress   *common.Address `json:"contractAddress,omitempty"`
	Status            *Quantity       `json:"status"`
	Logs              []Log           `json:"logs"`
}

// Succeeded reports whether the bundle transaction itself did not revert.
func (r *TransactionReceipt) Succeeded() bool {
	return r.Status != nil && r.Status.Big().Cmp(big.NewInt(1)) == 0
}

// UserOperationReceipt is the terminal on-chain outcome of an operation.
type UserOperationReceipt struct {
	UserOpHash    common.Hash        `json:"userOpHash"`
	EntryPoint    common.Address     `json:"entryPoint"`
	Sender        common.Address     `json:"sender"`
	Nonce         *Quantity          `json:"nonce"`
	Paymaster     *common.Address    `json:"paymaster"`
	ActualGasCost *Quantity          `json:"actualGasCost"`
	ActualGasUsed *Quantity          `json:"actualGasUsed"`
	Success       bool               `json:"success"`
	Reason        string             `json:"reason,omitempty"`
	Logs          []Log              `json:"logs"`
	Receipt       TransactionReceipt `json:"receipt"`
}

// UserOperationByHash is the result of eth_getUserOperationByHash. The block and
// transaction fields stay nil while the operation is still in the mempool.
type UserOperationByHash struct {
	UserOperation   *UserOperation
	EntryPoint      common.Address
	BlockNumber     *big.Int
	BlockHash       *common.Hash
	TransactionHash *common.Hash
}

// Pending reports whether the operation has not been included in a block yet.
func (u *UserOperationByHash) Pending() bool {
	return u.BlockHash == nil && u.TransactionHash == nil
}

type userOperationByHashJSON struct {
	UserOperation   map[string]any `json:"userOperation"`
	EntryPoint      common.Address `json:"entryPoint"`
	BlockNumber     *Quantity      `json:"blockNumber"`
	BlockHash       *common.Hash   `json:"blockHash"`
	TransactionHash *common.Hash   `json:"transactionHash"`
}

// UnmarshalJSON decodes the embedded operation using the version of the reported
// entry point, falling back to the keys present for unknown entry points.
func (u *UserOperationByHash) UnmarshalJSON(data []byte) error {
	var raw userOperationByHashJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.UserOperation == nil {
		return fmt.Errorf("user operation by hash: missing userOperation")
	}

	version, ok := VersionForEntryPoint(raw.EntryPoint)
	if !ok {
		version = DetectVersion(raw.UserOperation)
	}
	op, err := FromMap(version, raw.UserOperation)
	if err != nil {
		return err
	}

	*u = UserOperationByHash{
		UserOperation:   op,
		EntryPoint:      raw.EntryPoint,
		BlockNumber:     raw.BlockNumber.Big(),
		BlockHash:       raw.BlockHash,
		TransactionHash: raw.TransactionHash,
	}
	return nil
}

func (u *UserOperationByHash) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"entryPoint":      u.EntryPoint.Hex(),
		"blockNumber":     nil,
		"blockHash":       u.BlockHash,
		"transactionHash": u.TransactionHash,
	}
	if u.UserOperation != nil {
		out["userOperation"] = u.UserOperation.ToMap()
	}
	if u.BlockNumber != nil {
		out["blockNumber"] = encodeQuantity(u.BlockNumber)
	}
	return json.Marshal(out)
}

type gasJSON struct {
	CallGasLimit                  *Quantity `json:"callGasLimit"`
	VerificationGasLimit          *Quantity `json:"verificationGasLimit"`
	PreVerificationGas            *Quantity `json:"preVerificationGas"`
	PaymasterVerificationGasLimit *Quantity `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *Quantity `json:"paymasterPostOpGasLimit,omitempty"`
	ValidAfter                    *Quantity `json:"validAfter,omitempty"`
	ValidUntil                    *Quantity `json:"validUntil,omitempty"`
}

// UnmarshalJSON decodes an eth_estimateUserOperationGas result. Some bundlers
// answer with plain numbers instead of hex strings; both are accepted.
func (g *Gas) UnmarshalJSON(data []byte) error {
	var raw gasJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*g = Gas{
		CallGasLimit:                  raw.CallGasLimit.Big(),
		VerificationGasLimit:          raw.VerificationGasLimit.Big(),
		PreVerificationGas:            raw.PreVerificationGas.Big(),
		PaymasterVerificationGasLimit: raw.PaymasterVerificationGasLimit.Big(),
		PaymasterPostOpGasLimit:       raw.PaymasterPostOpGasLimit.Big(),
		ValidAfter:                    raw.ValidAfter.Big(),
		ValidUntil:                    raw.ValidUntil.Big(),
	}
	return nil
}

func (g Gas) MarshalJSON() ([]byte, error) {
	return json.Marshal(gasJSON{
		CallGasLimit:                  (*Quantity)(g.CallGasLimit),
		VerificationGasLimit:          (*Quantity)(g.VerificationGasLimit),
		PreVerificationGas:            (*Quantity)(g.PreVerificationGas),
		PaymasterVerificationGasLimit: (*Quantity)(g.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       (*Quantity)(g.PaymasterPostOpGasLimit),
		ValidAfter:                    (*Quantity)(g.ValidAfter),
		ValidUntil:                    (*Quantity)(g.ValidUntil),
	})
}
