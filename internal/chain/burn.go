// Package chain проверяет транзакции сжигания токенов в блокчейне.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// transferTopic: keccak256 сигнатуры события ERC-20 Transfer.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

var (
	// ErrBurnNotFound возвращается, если транзакция ещё не попала в блок.
	ErrBurnNotFound = errors.New("burn transaction not found")
	// ErrBurnUnconfirmed возвращается, если у транзакции недостаточно подтверждений.
	ErrBurnUnconfirmed = errors.New("burn transaction not confirmed yet")
	// ErrBurnFailed возвращается для транзакции, завершившейся ошибкой.
	ErrBurnFailed = errors.New("burn transaction reverted")
	// ErrBurnMismatch возвращается, если транзакция не сжигает ожидаемое количество токенов отправителя.
	ErrBurnMismatch = errors.New("burn transaction does not match redemption")
)

// Pending сообщает, что проверку можно повторить позже.
func Pending(err error) bool {
	return errors.Is(err, ErrBurnNotFound) || errors.Is(err, ErrBurnUnconfirmed)
}

// ReceiptReader: часть RPC-клиента, нужная для проверки сжигания. Реализуется *ethclient.Client.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// BurnVerifier проверяет, что транзакция сожгла заявленное количество токенов с адреса покупателя.
type BurnVerifier struct {
	rpc              ReceiptReader
	token            common.Address
	unit             *big.Int
	minConfirmations uint64
	timeout          time.Duration
}

// Config содержит параметры проверки сжигания.
type Config struct {
	Token            common.Address
	Decimals         uint8
	MinConfirmations uint64
	Timeout          time.Duration
}

// NewBurnVerifier создаёт проверку поверх произвольного источника квитанций.
func NewBurnVerifier(rpc ReceiptReader, cfg Config) *BurnVerifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &BurnVerifier{
		rpc:              rpc,
		token:            cfg.Token,
		unit:             new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Decimals)), nil),
		minConfirmations: cfg.MinConfirmations,
		timeout:          cfg.Timeout,
	}
}

// Dial подключается к RPC-узлу и создаёт проверку сжигания.
func Dial(ctx context.Context, rpcURL string, cfg Config) (*BurnVerifier, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewBurnVerifier(client, cfg), client.Close, nil
}

// Verify проверяет квитанцию транзакции txHash: успешное выполнение, число подтверждений
// и событие Transfer(sender → 0x0, units·10^decimals) от контракта токена.
func (v *BurnVerifier) Verify(ctx context.Context, txHash common.Hash, sender common.Address, units int) error {
	if units <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrBurnMismatch)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	receipt, err := v.rpc.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ErrBurnNotFound
		}
		return fmt.Errorf("get receipt: %w", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrBurnFailed
	}

	if v.minConfirmations > 0 && receipt.BlockNumber != nil {
		head, err := v.rpc.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get block number: %w", err)
		}
		mined := receipt.BlockNumber.Uint64()
		if head < mined || head-mined+1 < v.minConfirmations {
			return ErrBurnUnconfirmed
		}
	}

	want := new(big.Int).Mul(big.NewInt(int64(units)), v.unit)
	for _, l := range receipt.Logs {
		if isBurnLog(l, v.token, sender, want) {
			return nil
		}
	}

	return ErrBurnMismatch
}

func isBurnLog(l *types.Log, token, sender common.Address, amount *big.Int) bool {
	if l == nil || l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
		return false
	}
	from := common.BytesToAddress(l.Topics[1].Bytes())
	to := common.BytesToAddress(l.Topics[2].Bytes())
	if from != sender || to != (common.Address{}) {
		return false
	}
	return new(big.Int).SetBytes(l.Data).Cmp(amount) == 0
}
