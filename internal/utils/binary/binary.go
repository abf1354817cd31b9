// internal/utils/binary/binary.go
package binary

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SPL Token program layouts.
const (
	TokenAccountSize = 165
	MintSize         = 82

	tokenMintOffset   = 0
	tokenOwnerOffset  = 32
	tokenAmountOffset = 64
	mintDecimalOffset = 44
)

// TokenAccount is the part of an SPL token account the monitor needs.
type TokenAccount struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

// DecodeTokenAccount parses raw SPL token account data.
func DecodeTokenAccount(data []byte) (TokenAccount, error) {
	if len(data) < TokenAccountSize {
		return TokenAccount{}, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	return TokenAccount{
		Mint:   ReadPubKey(data, tokenMintOffset),
		Owner:  ReadPubKey(data, tokenOwnerOffset),
		Amount: ReadUint64LittleEndian(data, tokenAmountOffset),
	}, nil
}

// DecodeMintDecimals reads the decimals field of an SPL mint account.
func DecodeMintDecimals(data []byte) (uint8, error) {
	if len(data) < MintSize {
		return 0, fmt.Errorf("mint data too short: %d bytes", len(data))
	}
	return ReadUint8(data, mintDecimalOffset), nil
}

// EncodeTokenAccount builds token account data, the inverse of DecodeTokenAccount.
func EncodeTokenAccount(acc TokenAccount) []byte {
	data := make([]byte, TokenAccountSize)
	WritePubKey(acc.Mint, data, tokenMintOffset)
	WritePubKey(acc.Owner, data, tokenOwnerOffset)
	WriteUint64LittleEndian(acc.Amount, data, tokenAmountOffset)
	return data
}

// EncodeMint builds minimal mint data carrying only decimals.
func EncodeMint(decimals uint8) []byte {
	data := make([]byte, MintSize)
	data[mintDecimalOffset] = decimals
	data[mintDecimalOffset+1] = 1 // is_initialized
	return data
}

// ReadUint64LittleEndian reads a uint64 from a byte slice in little-endian format
func ReadUint64LittleEndian(data []byte, offset int) uint64 {
	return binary.LittleEndian.Uint64(data[offset : offset+8])
}

// ReadUint8 reads a uint8 (byte) from a byte slice
func ReadUint8(data []byte, offset int) uint8 {
	return data[offset]
}

// ReadPubKey reads a Solana public key from a byte slice
func ReadPubKey(data []byte, offset int) solana.PublicKey {
	keyBytes := make([]byte, 32)
	copy(keyBytes, data[offset:offset+32])
	return solana.PublicKeyFromBytes(keyBytes)
}

// WriteUint64LittleEndian writes a uint64 to a byte slice in little-endian format
func WriteUint64LittleEndian(val uint64, data []byte, offset int) {
	binary.LittleEndian.PutUint64(data[offset:offset+8], val)
}

// WritePubKey writes a Solana public key to a byte slice
func WritePubKey(key solana.PublicKey, data []byte, offset int) {
	copy(data[offset:offset+32], key[:])
}
