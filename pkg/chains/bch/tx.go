package bch

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// sigHashAllForkID is SIGHASH_ALL with the replay protection flag, the only
	// type BCH nodes accept
	sigHashAllForkID = txscript.SigHashAll | 0x40

	dustLimit = 546
	txVersion = 2

	// size estimates in bytes
	txOverhead     = 10
	p2pkhInputSize = 148
	outputSize     = 34
	maxSigSize     = 73

	// refundSequence enables nLockTime without opting into replacement
	refundSequence = wire.MaxTxInSequenceNum - 1
)

// wallet holds the relayer key and signs transactions with it
type wallet struct {
	key      *btcec.PrivateKey
	pubKey   []byte
	address  *btcutil.AddressPubKeyHash
	pkScript []byte
}

func newWallet(wif string, params *chaincfg.Params) (*wallet, error) {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("private key is not for %s", params.Name)
	}
	pubKey := decoded.SerializePubKey()
	address, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey), params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}
	return &wallet{
		key:      decoded.PrivKey,
		pubKey:   pubKey,
		address:  address,
		pkScript: pkScript,
	}, nil
}

// input is an output being spent along with the script its signature commits to
type input struct {
	outpoint wire.OutPoint
	value    int64
	script   []byte
}

func toInput(u utxo, script []byte) (input, error) {
	hash, err := chainhash.NewHashFromStr(u.TxHash)
	if err != nil {
		return input{}, fmt.Errorf("invalid utxo hash %q: %w", u.TxHash, err)
	}
	return input{outpoint: wire.OutPoint{Hash: *hash, Index: u.TxPos}, value: u.Value, script: script}, nil
}

// insufficientFundsError reports the wallet total against what a transaction needs
type insufficientFundsError struct {
	have, need int64
}

func (e *insufficientFundsError) Error() string {
	return fmt.Sprintf("have %d satoshis, need %d", e.have, e.need)
}

// buildLock pays amount to pkScript from the wallet's utxos, largest first,
// returning change to the wallet when it is above dust
func (w *wallet) buildLock(utxos []utxo, pkScript []byte, amount, feeRate int64) (*wire.MsgTx, error) {
	sorted := make([]utxo, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	var (
		selected []input
		total    int64
		fee      int64
	)
	for _, u := range sorted {
		in, err := toInput(u, w.pkScript)
		if err != nil {
			return nil, err
		}
		selected = append(selected, in)
		total += u.Value
		fee = feeRate * int64(txOverhead+len(selected)*p2pkhInputSize+2*outputSize)
		if total >= amount+fee {
			break
		}
	}
	if fee == 0 {
		fee = feeRate * int64(txOverhead+p2pkhInputSize+2*outputSize)
	}
	if total < amount+fee {
		return nil, &insufficientFundsError{have: total, need: amount + fee}
	}

	tx := wire.NewMsgTx(txVersion)
	for _, in := range selected {
		tx.AddTxIn(wire.NewTxIn(&in.outpoint, nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(amount, pkScript))
	if change := total - amount - fee; change >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, w.pkScript))
	}

	err := w.sign(tx, selected, func(sig []byte) ([]byte, error) {
		return txscript.NewScriptBuilder().AddData(sig).AddData(w.pubKey).Script()
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// buildContractSpend sweeps every utxo of c to the wallet. unlock builds the
// unlocking script of one input from its signature.
func (w *wallet) buildContractSpend(
	utxos []utxo,
	c *contract,
	feeRate int64,
	lockTime uint32,
	sequence uint32,
	unlock func(sig []byte) ([]byte, error),
) (*wire.MsgTx, error) {
	if len(utxos) == 0 {
		return nil, fmt.Errorf("contract %s has no unspent outputs", c.address)
	}

	var (
		inputs []input
		total  int64
	)
	tx := wire.NewMsgTx(txVersion)
	tx.LockTime = lockTime
	for _, u := range utxos {
		in, err := toInput(u, c.redeemScript)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
		total += u.Value
		txIn := wire.NewTxIn(&in.outpoint, nil, nil)
		txIn.Sequence = sequence
		tx.AddTxIn(txIn)
	}

	// sig, pubkey, secret, branch selector and redeem script with their push opcodes
	unlockSize := maxSigSize + 1 + 34 + 33 + 1 + len(c.redeemScript) + 3
	inputSize := 32 + 4 + 3 + unlockSize + 4
	fee := feeRate * int64(txOverhead+len(inputs)*inputSize+outputSize)
	value := total - fee
	if value < dustLimit {
		return nil, fmt.Errorf("contract %s holds %d satoshis, not enough to cover a fee of %d", c.address, total, fee)
	}
	tx.AddTxOut(wire.NewTxOut(value, w.pkScript))

	if err := w.sign(tx, inputs, unlock); err != nil {
		return nil, err
	}
	return tx, nil
}

// sign fills the unlocking script of every input using the forkid digest
func (w *wallet) sign(tx *wire.MsgTx, inputs []input, unlock func(sig []byte) ([]byte, error)) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range inputs {
		fetcher.AddPrevOut(in.outpoint, wire.NewTxOut(in.value, in.script))
	}
	hashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, in := range inputs {
		digest, err := txscript.CalcWitnessSigHash(in.script, hashes, sigHashAllForkID, tx, i, in.value)
		if err != nil {
			return fmt.Errorf("failed to compute signature hash of input %d: %w", i, err)
		}
		sig := append(ecdsa.Sign(w.key, digest).Serialize(), byte(sigHashAllForkID))
		script, err := unlock(sig)
		if err != nil {
			return err
		}
		tx.TxIn[i].SignatureScript = script
	}
	return nil
}

func encodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func decodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, err
	}
	var tx wire.MsgTx
	if err := tx.DeserializeNoWitness(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &tx, nil
}
