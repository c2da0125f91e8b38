package bch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSenderPkh    = bytes.Repeat([]byte{0x11}, 20)
	testRecipientPkh = bytes.Repeat([]byte{0x22}, 20)
	testSecret       = common.HexToHash("0x5eb2e3c24fb14e2b31a4b1e6b3e7f3c8a4e4b3d5a0d6c2d8e3f9a7b6c5d4e3f2")
	testTimelock     = int64(1_700_003_600)
)

func TestBuildRedeemScript(t *testing.T) {
	hashlock := models.HashSecret(testSecret)
	script, err := buildRedeemScript(testSenderPkh, testRecipientPkh, hashlock, testTimelock)
	require.NoError(t, err)

	disasm, err := txscript.DisasmString(script)
	require.NoError(t, err)
	assert.Contains(t, disasm, "OP_IF OP_SHA256 "+hex.EncodeToString(hashlock.Bytes())+" OP_EQUALVERIFY OP_DUP OP_HASH160 "+hex.EncodeToString(testRecipientPkh))
	assert.Contains(t, disasm, "OP_CHECKLOCKTIMEVERIFY OP_DROP OP_DUP OP_HASH160 "+hex.EncodeToString(testSenderPkh))
	assert.True(t, bytes.HasSuffix(script, []byte{txscript.OP_ENDIF, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG}))

	t.Run("rejects bad terms", func(t *testing.T) {
		_, err := buildRedeemScript(testSenderPkh[:19], testRecipientPkh, hashlock, testTimelock)
		assert.Error(t, err)
		_, err = buildRedeemScript(testSenderPkh, testRecipientPkh, hashlock, 0)
		assert.Error(t, err)
	})
}

func TestContractAddressCommitsToTerms(t *testing.T) {
	params := &chaincfg.TestNet3Params
	sender, err := btcutil.NewAddressPubKeyHash(testSenderPkh, params)
	require.NoError(t, err)
	recipient, err := btcutil.NewAddressPubKeyHash(testRecipientPkh, params)
	require.NoError(t, err)

	ref := models.UTXOContractRef{
		Sender:    sender.EncodeAddress(),
		Recipient: recipient.EncodeAddress(),
		Hashlock:  models.HashSecret(testSecret),
		Timelock:  testTimelock,
	}
	c, err := contractForRef(ref, params)
	require.NoError(t, err)

	again, err := newContract(testSenderPkh, testRecipientPkh, ref.Hashlock, testTimelock, params)
	require.NoError(t, err)
	assert.Equal(t, c.address.EncodeAddress(), again.address.EncodeAddress())
	assert.True(t, txscript.IsPayToScriptHash(c.pkScript))

	tests := []struct {
		name   string
		mutate func(r *models.UTXOContractRef)
	}{
		{"timelock", func(r *models.UTXOContractRef) { r.Timelock++ }},
		{"hashlock", func(r *models.UTXOContractRef) { r.Hashlock[0] ^= 0xff }},
		{"swapped parties", func(r *models.UTXOContractRef) { r.Sender, r.Recipient = r.Recipient, r.Sender }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := ref
			tt.mutate(&changed)
			other, err := contractForRef(changed, params)
			require.NoError(t, err)
			assert.NotEqual(t, c.address.EncodeAddress(), other.address.EncodeAddress())
		})
	}

	t.Run("sender must be pay-to-pubkey-hash", func(t *testing.T) {
		bad := ref
		bad.Sender = c.address.EncodeAddress()
		_, err := contractForRef(bad, params)
		assert.ErrorContains(t, err, "not a pay-to-pubkey-hash")
	})

	t.Run("address of another network", func(t *testing.T) {
		_, err := decodeAddress(ref.Sender, &chaincfg.MainNetParams)
		assert.Error(t, err)
	})
}

func TestScriptHash(t *testing.T) {
	// output script of the genesis coinbase address
	pkScript, err := hex.DecodeString("76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac")
	require.NoError(t, err)
	assert.Equal(t, "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161", scriptHash(pkScript))
}

func TestExtractSecret(t *testing.T) {
	hashlock := models.HashSecret(testSecret)
	redeem, err := buildRedeemScript(testSenderPkh, testRecipientPkh, hashlock, testTimelock)
	require.NoError(t, err)
	sig := append(bytes.Repeat([]byte{0x30}, 71), byte(sigHashAllForkID))
	pubKey := bytes.Repeat([]byte{0x02}, 33)

	claim, err := claimScript(sig, pubKey, testSecret, redeem)
	require.NoError(t, err)
	secret, ok := extractSecret(claim, hashlock)
	require.True(t, ok)
	assert.Equal(t, testSecret, secret)

	refund, err := refundScript(sig, pubKey, redeem)
	require.NoError(t, err)
	_, ok = extractSecret(refund, hashlock)
	assert.False(t, ok)

	// a 32 byte push that does not hash to the hashlock is ignored
	decoy := sha256.Sum256([]byte("decoy"))
	other, err := claimScript(sig, pubKey, common.BytesToHash(decoy[:]), redeem)
	require.NoError(t, err)
	_, ok = extractSecret(other, hashlock)
	assert.False(t, ok)
}

func TestMedianTime(t *testing.T) {
	var raw bytes.Buffer
	stamps := []int64{100, 900, 300, 700, 500}
	for _, ts := range stamps {
		header := wire.BlockHeader{Version: 1, Timestamp: time.Unix(ts, 0)}
		require.NoError(t, header.Serialize(&raw))
	}

	median, err := medianTime(hex.EncodeToString(raw.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, int64(500), median.Unix())

	_, err = medianTime("abcd")
	assert.Error(t, err)
}

func TestIsRejection(t *testing.T) {
	tests := []struct {
		message string
		want    bool
	}{
		{"mandatory-script-verify-flag-failed (Script evaluated without error but finished with a false/empty top stack element)", true},
		{"bad-txns-inputs-missingorspent", true},
		{"non-final", false},
		{"connection reset by peer", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isRejection(tt.message), tt.message)
	}
}
