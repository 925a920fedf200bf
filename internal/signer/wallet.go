package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// WalletAuth proves wallet ownership during the adapter's authenticate
// handshake via an EIP-712 typed-data signature, the scheme the teacher
// uses for its L1 CLOB auth (internal/exchange/auth.go, signClobAuth). This
// is distinct from the Signer capability above: the handshake authenticates
// the wallet itself, while Signer signs individual place/cancel bodies.
type WalletAuth struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewWalletAuth parses a hex-encoded ECDSA private key (wallet_private_key_handle,
// already decoded by the caller) for one chain.
func NewWalletAuth(hexKey string, chainID int64) (*WalletAuth, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse wallet key: %w", err)
	}
	return &WalletAuth{
		privateKey: priv,
		address:    crypto.PubkeyToAddress(priv.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// Address returns the wallet's Ethereum address.
func (w *WalletAuth) Address() common.Address { return w.address }

// SignAuthChallenge signs the "AuthChallenge" EIP-712 message the exchange
// expects during authenticate, proving control of the wallet without
// exposing the raw private key beyond this package.
func (w *WalletAuth) SignAuthChallenge(timestamp string, nonce int64) (string, error) {
	domain := apitypes.TypedDataDomain{
		Name:    "PerpAuthDomain",
		Version: "1",
		ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(w.chainID)),
	}
	types := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
		},
		"AuthChallenge": {
			{Name: "address", Type: "address"},
			{Name: "timestamp", Type: "string"},
			{Name: "nonce", Type: "uint256"},
			{Name: "message", Type: "string"},
		},
	}
	message := apitypes.TypedDataMessage{
		"address":   w.address.Hex(),
		"timestamp": timestamp,
		"nonce":     fmt.Sprintf("%d", nonce),
		"message":   "This message attests that I control the given wallet",
	}

	typedData := apitypes.TypedData{
		Types:       types,
		PrimaryType: "AuthChallenge",
		Domain:      domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, w.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}
