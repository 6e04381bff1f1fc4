package settlement

import (
	"path"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/dealbroker/internal/domain"
)

// ValidateTxHash checks a crypto settlement hash. 0x-prefixed values must be
// 32-byte hex (EVM chains); other chains' identifiers are accepted as opaque
// strings.
func ValidateTxHash(h string) error {
	h = strings.TrimSpace(h)
	if h == "" {
		return domain.Errorf(domain.ErrInvalidInput, "transaction hash is required")
	}
	if !strings.HasPrefix(h, "0x") && !strings.HasPrefix(h, "0X") {
		return nil
	}
	b, err := hexutil.Decode(h)
	if err != nil {
		return domain.Errorf(domain.ErrInvalidInput, "transaction hash %q is not valid hex: %v", h, err)
	}
	if len(b) != common.HashLength {
		return domain.Errorf(domain.ErrInvalidInput, "transaction hash must be %d bytes, got %d", common.HashLength, len(b))
	}
	return nil
}

// NormalizeWalletRef lower-cases and checksums EVM addresses; other custody
// references pass through unchanged.
func NormalizeWalletRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if common.IsHexAddress(ref) {
		return common.HexToAddress(ref).Hex()
	}
	return ref
}

// proofKey is the blob path for a proof-of-transfer document.
func proofKey(transactionID string, stepNumber int, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "proof"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return "proofs/" + transactionID + "/" + strconv.Itoa(stepNumber) + "-" + b.String()
}
