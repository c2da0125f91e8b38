package bch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

// contract is an HTLC redeem script together with the P2SH address paying to it
type contract struct {
	redeemScript []byte
	address      *btcutil.AddressScriptHash
	pkScript     []byte
}

// buildRedeemScript returns
//
//	OP_IF
//	  OP_SHA256 <hashlock> OP_EQUALVERIFY OP_DUP OP_HASH160 <recipient>
//	OP_ELSE
//	  <timelock> OP_CHECKLOCKTIMEVERIFY OP_DROP OP_DUP OP_HASH160 <sender>
//	OP_ENDIF
//	OP_EQUALVERIFY OP_CHECKSIG
func buildRedeemScript(senderPkh, recipientPkh []byte, hashlock common.Hash, timelock int64) ([]byte, error) {
	if len(senderPkh) != 20 || len(recipientPkh) != 20 {
		return nil, fmt.Errorf("public key hashes must be 20 bytes")
	}
	if timelock <= 0 {
		return nil, fmt.Errorf("timelock must be positive")
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_SHA256).
		AddData(hashlock.Bytes()).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(recipientPkh).
		AddOp(txscript.OP_ELSE).
		AddInt64(timelock).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(senderPkh).
		AddOp(txscript.OP_ENDIF).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// newContract derives the contract for the given terms
func newContract(senderPkh, recipientPkh []byte, hashlock common.Hash, timelock int64, params *chaincfg.Params) (*contract, error) {
	script, err := buildRedeemScript(senderPkh, recipientPkh, hashlock, timelock)
	if err != nil {
		return nil, err
	}
	address, err := btcutil.NewAddressScriptHash(script, params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}
	return &contract{redeemScript: script, address: address, pkScript: pkScript}, nil
}

// contractForRef rebuilds the contract described by ref. The derived address must
// equal ref.Address, otherwise the terms in ref do not describe that contract.
func contractForRef(ref models.UTXOContractRef, params *chaincfg.Params) (*contract, error) {
	senderPkh, err := pubKeyHash(ref.Sender, params)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	recipientPkh, err := pubKeyHash(ref.Recipient, params)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	return newContract(senderPkh, recipientPkh, ref.Hashlock, ref.Timelock, params)
}

// pubKeyHash decodes a P2PKH address into its 20 byte key hash
func pubKeyHash(address string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := decodeAddress(address, params)
	if err != nil {
		return nil, err
	}
	pkh, ok := decoded.(*btcutil.AddressPubKeyHash)
	if !ok {
		return nil, fmt.Errorf("%s is not a pay-to-pubkey-hash address", address)
	}
	return pkh.ScriptAddress(), nil
}

func decodeAddress(address string, params *chaincfg.Params) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not for %s", address, params.Name)
	}
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash:
		return decoded, nil
	}
	return nil, fmt.Errorf("address %q has an unsupported type", address)
}

// scriptHash is the electrum index key of an output script
func scriptHash(pkScript []byte) string {
	sum := sha256.Sum256(pkScript)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:])
}

// claimScript is the unlocking script taking the hashlock branch
func claimScript(sig, pubKey []byte, secret common.Hash, redeemScript []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(sig).
		AddData(pubKey).
		AddData(secret.Bytes()).
		AddOp(txscript.OP_TRUE).
		AddData(redeemScript).
		Script()
}

// refundScript is the unlocking script taking the timelock branch
func refundScript(sig, pubKey, redeemScript []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(sig).
		AddData(pubKey).
		AddOp(txscript.OP_FALSE).
		AddData(redeemScript).
		Script()
}

// extractSecret looks for a 32 byte push in an unlocking script whose sha256 is hashlock
func extractSecret(sigScript []byte, hashlock common.Hash) (common.Hash, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, sigScript)
	for tokenizer.Next() {
		data := tokenizer.Data()
		if len(data) != common.HashLength {
			continue
		}
		sum := sha256.Sum256(data)
		if bytes.Equal(sum[:], hashlock.Bytes()) {
			return common.BytesToHash(data), true
		}
	}
	return common.Hash{}, false
}
