// Package signer builds and signs GRVT EIP-712 payloads.
//
// Two message types exist on this venue: Transfer (cross-account funds moves)
// and Order (here always reduce-only market IOC). Both share the domain
// { name: "GRVT Exchange", version: "0", chainId } with no verifying contract.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/grvt"
)

// Time-in-force signing codes.
const (
	TIFGoodTillTime      = 1
	TIFAllOrNone         = 2
	TIFImmediateOrCancel = 3
	TIFFillOrKill        = 4
)

// Venue currency ids and on-chain scaling for the transfer message.
const (
	CurrencyIDUSDT = 3
	usdtDecimals   = 6
)

const transferExpiry = 15 * time.Minute

// Signer signs transfers and orders with one private key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID int64
}

// New parses a hex private key (0x prefix optional) for the given chain.
func New(privateKeyHex string, chainID int64) (*Signer, error) {
	pkHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if pkHex == "" {
		return nil, &grvt.ValidationError{Reason: "empty private key"}
	}
	pk, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, &grvt.ValidationError{Reason: "malformed private key: " + err.Error()}
	}
	return &Signer{
		key:     pk,
		address: crypto.PubkeyToAddress(pk.PublicKey),
		chainID: chainID,
	}, nil
}

// Address returns the signer's checksummed address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// TransferParams describe one hop of a funds move.
type TransferParams struct {
	FromAccount string // funding account address
	FromSubID   string // "0" for the funding wallet itself
	ToAccount   string
	ToSubID     string
	Currency    string
	NumTokens   decimal.Decimal
}

// SignTransfer builds the signed wire request for transfer_v1.
func (s *Signer) SignTransfer(p TransferParams) (grvt.TransferRequest, error) {
	nonce := uint32(rand.Int31n(1<<31-1) + 1)
	expiration := time.Now().UnixNano() + transferExpiry.Nanoseconds()

	td := s.transferTypedData(p, nonce, expiration)
	r, sv, v, err := s.signTypedData(td)
	if err != nil {
		return grvt.TransferRequest{}, err
	}

	return grvt.TransferRequest{
		FromAccountID:    p.FromAccount,
		FromSubAccountID: p.FromSubID,
		ToAccountID:      p.ToAccount,
		ToSubAccountID:   p.ToSubID,
		Currency:         p.Currency,
		NumTokens:        p.NumTokens.StringFixed(usdtDecimals),
		Signature: grvt.Signature{
			Signer:     s.address.Hex(),
			R:          r,
			S:          sv,
			V:          v,
			Expiration: strconv.FormatInt(expiration, 10),
			Nonce:      nonce,
		},
		TransferType:     "STANDARD",
		TransferMetadata: "",
	}, nil
}

// OrderParams describe a single-leg reduce-only market IOC order.
type OrderParams struct {
	SubAccountID string
	Instrument   string
	AssetID      *big.Int // instrument_hash
	Size         decimal.Decimal
	BaseDecimals int
	IsBuying     bool
}

// SignOrder builds the signed wire payload for create_order.
func (s *Signer) SignOrder(p OrderParams) (grvt.OrderPayload, error) {
	if p.AssetID == nil {
		return grvt.OrderPayload{}, &grvt.ValidationError{Reason: "missing asset id for " + p.Instrument}
	}
	subID, err := strconv.ParseUint(p.SubAccountID, 10, 64)
	if err != nil {
		return grvt.OrderPayload{}, &grvt.ValidationError{Reason: "bad sub-account id: " + p.SubAccountID}
	}

	nonce := rand.Uint32()
	expiration := time.Now().UnixNano() + transferExpiry.Nanoseconds()
	contractSize := ContractSize(p.Size, p.BaseDecimals)

	td := s.orderTypedData(subID, p.AssetID, contractSize, p.IsBuying, nonce, expiration)
	r, sv, v, err := s.signTypedData(td)
	if err != nil {
		return grvt.OrderPayload{}, err
	}

	return grvt.OrderPayload{
		SubAccountID: p.SubAccountID,
		IsMarket:     true,
		TimeInForce:  "IMMEDIATE_OR_CANCEL",
		PostOnly:     false,
		ReduceOnly:   true,
		Legs: []grvt.OrderLeg{{
			Instrument:    p.Instrument,
			Size:          p.Size.String(),
			LimitPrice:    nil, // market order
			IsBuyingAsset: p.IsBuying,
		}},
		Signature: grvt.Signature{
			Signer:     s.address.Hex(),
			R:          r,
			S:          sv,
			V:          v,
			Expiration: strconv.FormatInt(expiration, 10),
			Nonce:      nonce,
		},
		Metadata: grvt.OrderMetadata{ClientOrderID: NewClientOrderID()},
	}, nil
}

// ContractSize converts a decimal size to the venue's integer contract units:
// floor(size * 10^baseDecimals).
func ContractSize(size decimal.Decimal, baseDecimals int) *big.Int {
	scaled := size.Mul(decimal.New(1, int32(baseDecimals))).Floor()
	return scaled.BigInt()
}

// NewClientOrderID returns a uniform random id in [2^63, 2^64).
func NewClientOrderID() string {
	id := rand.Uint64() | (1 << 63)
	return strconv.FormatUint(id, 10)
}

func (s *Signer) transferTypedData(p TransferParams, nonce uint32, expiration int64) apitypes.TypedData {
	tokens := p.NumTokens.Mul(decimal.New(1, usdtDecimals)).Floor()
	fromSub, _ := strconv.ParseUint(p.FromSubID, 10, 64)
	toSub, _ := strconv.ParseUint(p.ToSubID, 10, 64)

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Transfer": {
				{Name: "fromAccount", Type: "address"},
				{Name: "fromSubAccount", Type: "uint64"},
				{Name: "toAccount", Type: "address"},
				{Name: "toSubAccount", Type: "uint64"},
				{Name: "tokenCurrency", Type: "uint8"},
				{Name: "numTokens", Type: "uint64"},
				{Name: "nonce", Type: "uint32"},
				{Name: "expiration", Type: "int64"},
			},
		},
		PrimaryType: "Transfer",
		Domain:      s.domain(),
		Message: apitypes.TypedDataMessage{
			"fromAccount":    common.HexToAddress(p.FromAccount).Hex(),
			"fromSubAccount": strconv.FormatUint(fromSub, 10),
			"toAccount":      common.HexToAddress(p.ToAccount).Hex(),
			"toSubAccount":   strconv.FormatUint(toSub, 10),
			"tokenCurrency":  strconv.Itoa(CurrencyIDUSDT),
			"numTokens":      tokens.String(),
			"nonce":          strconv.FormatUint(uint64(nonce), 10),
			"expiration":     strconv.FormatInt(expiration, 10),
		},
	}
}

func (s *Signer) orderTypedData(subID uint64, assetID *big.Int, contractSize *big.Int, isBuying bool, nonce uint32, expiration int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Order": {
				{Name: "subAccountID", Type: "uint64"},
				{Name: "isMarket", Type: "bool"},
				{Name: "timeInForce", Type: "uint8"},
				{Name: "postOnly", Type: "bool"},
				{Name: "reduceOnly", Type: "bool"},
				{Name: "legs", Type: "OrderLeg[]"},
				{Name: "nonce", Type: "uint32"},
				{Name: "expiration", Type: "int64"},
			},
			"OrderLeg": {
				{Name: "assetID", Type: "uint256"},
				{Name: "contractSize", Type: "uint64"},
				{Name: "limitPrice", Type: "uint64"},
				{Name: "isBuyingContract", Type: "bool"},
			},
		},
		PrimaryType: "Order",
		Domain:      s.domain(),
		Message: apitypes.TypedDataMessage{
			"subAccountID": strconv.FormatUint(subID, 10),
			"isMarket":     true,
			"timeInForce":  strconv.Itoa(TIFImmediateOrCancel),
			"postOnly":     false,
			"reduceOnly":   true,
			"legs": []interface{}{
				map[string]interface{}{
					"assetID":          assetID.String(),
					"contractSize":     contractSize.String(),
					"limitPrice":       "0", // market
					"isBuyingContract": isBuying,
				},
			},
			"nonce":      strconv.FormatUint(uint64(nonce), 10),
			"expiration": strconv.FormatInt(expiration, 10),
		},
	}
}

func (s *Signer) domain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:    "GRVT Exchange",
		Version: "0",
		ChainId: math.NewHexOrDecimal256(s.chainID),
	}
}

// SigningHash computes the final EIP-712 digest for td:
// keccak256("\x19\x01" || domainSeparator || structHash).
func SigningHash(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	var data []byte
	data = append(data, []byte("\x19\x01")...)
	data = append(data, domainSeparator...)
	data = append(data, messageHash...)
	return crypto.Keccak256(data), nil
}

func (s *Signer) signTypedData(td apitypes.TypedData) (r, sv string, v int, err error) {
	hash, err := SigningHash(td)
	if err != nil {
		return "", "", 0, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", "", 0, fmt.Errorf("sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return fmt.Sprintf("0x%064x", new(big.Int).SetBytes(sig[:32])),
		fmt.Sprintf("0x%064x", new(big.Int).SetBytes(sig[32:64])),
		int(sig[64]),
		nil
}
