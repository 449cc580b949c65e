// Package signature проверяет подписи personal_sign, которыми пользователь подтверждает владение кошельком.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// HistoryMaxAge: срок действия подписи для чтения истории заказов.
	HistoryMaxAge = time.Hour
	// MaxClockSkew: насколько метка времени подписи может опережать часы сервера.
	MaxClockSkew = 5 * time.Minute
)

var (
	// ErrMalformedSignature возвращается, если подпись не удаётся разобрать.
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrSignatureMismatch возвращается, если подписант не совпадает с заявленным адресом.
	ErrSignatureMismatch = errors.New("signature does not match address")
	// ErrExpired возвращается для подписи старше допустимого окна.
	ErrExpired = errors.New("signature expired")
	// ErrFromFuture возвращается для подписи с меткой времени впереди часов сервера.
	ErrFromFuture = errors.New("signature timestamp is in the future")
)

// Verifier проверяет подписанные сообщения. Нулевое значение использует системные часы.
type Verifier struct {
	Now func() time.Time
}

// NewVerifier создаёт проверяющего с системными часами.
func NewVerifier() *Verifier {
	return &Verifier{Now: time.Now}
}

// Verify восстанавливает подписанта сообщения и сравнивает его с claimed.
// При maxAge > 0 подпись с now-timestamp >= maxAge отклоняется как просроченная,
// а подпись с timestamp позже now+MaxClockSkew как выданная из будущего.
func (v *Verifier) Verify(message, sig string, claimed common.Address, timestamp int64, maxAge time.Duration) error {
	signer, err := Recover(message, sig)
	if err != nil {
		return err
	}
	if signer != claimed {
		return fmt.Errorf("%w: recovered %s", ErrSignatureMismatch, signer.Hex())
	}

	if maxAge > 0 {
		now := time.Now
		if v != nil && v.Now != nil {
			now = v.Now
		}
		current := now().Unix()
		if timestamp-current > int64(MaxClockSkew/time.Second) {
			return ErrFromFuture
		}
		if current-timestamp >= int64(maxAge/time.Second) {
			return ErrExpired
		}
	}

	return nil
}

// Recover возвращает адрес, подписавший message подписью sig.
func Recover(message, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(raw) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(raw))
	}

	// Кошельки отдают V = 27/28, SigToPub ожидает 0/1.
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// Sign подписывает message в формате personal_sign (V = 27/28), как это делает кошелёк.
func Sign(message string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
