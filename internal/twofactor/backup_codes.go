package twofactor

import (
	"context"
	"strings"
	"time"

	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/params"
)

// BackupCodeAlphabet leaves out 0, O, 1, I and L.
const BackupCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// BackupVault keeps only keyed hashes of recovery codes, one hash field per
// unconsumed code.
type BackupVault struct {
	storage store.Storage
	clock   clock.Clock
	hashKey []byte
	count   int
}

func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func IsBackupCode(code string) bool {
	code = NormalizeBackupCode(code)
	return len(code) == params.BackupCodeLength && strings.Trim(code, BackupCodeAlphabet) == ""
}

func (v *BackupVault) Hash(code string) string {
	return common.CalculateHash(v.hashKey, NormalizeBackupCode(code))
}

// Generate returns n fresh plaintext codes. Nothing is stored.
func (v *BackupVault) Generate(n int) ([]string, error) {
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(codes) < n {
		code, err := common.RandomString(params.BackupCodeLength, BackupCodeAlphabet)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// Replace swaps the user's whole set of codes in one step.
func (v *BackupVault) Replace(ctx context.Context, userID string, codes []string) error {
	issuedAt := []byte(v.clock.Now().UTC().Format(time.RFC3339))
	fields := make(map[string][]byte, len(codes))
	for _, code := range codes {
		fields[v.Hash(code)] = issuedAt
	}
	return v.storage.ReplaceAttrs(ctx, userID, fields)
}

// Regenerate issues a new batch and invalidates every earlier code.
func (v *BackupVault) Regenerate(ctx context.Context, userID string) ([]string, error) {
	codes, err := v.Generate(v.count)
	if err != nil {
		return nil, err
	}
	if err := v.Replace(ctx, userID, codes); err != nil {
		return nil, err
	}
	return codes, nil
}

// Consume removes the code if present. Concurrent callers presenting the same
// code see exactly one success.
func (v *BackupVault) Consume(ctx context.Context, userID string, code string) (bool, int, error) {
	if !IsBackupCode(code) {
		return false, 0, ErrInvalidBackupCode
	}
	ok, err := v.storage.DelAttr(ctx, userID, v.Hash(code))
	if err != nil {
		return false, 0, err
	}
	remaining, err := v.Remaining(ctx, userID)
	return ok, remaining, err
}

func (v *BackupVault) Remaining(ctx context.Context, userID string) (int, error) {
	n, err := v.storage.CountAttrs(ctx, userID)
	return int(n), err
}

func (v *BackupVault) Clear(ctx context.Context, userID string) error {
	return v.storage.ReplaceAttrs(ctx, userID, nil)
}

func NewBackupVault(storage store.Storage, clk clock.Clock, hashKey []byte, count int) *BackupVault {
	if count <= 0 {
		count = params.BackupCodeCount
	}
	return &BackupVault{
		storage: store.StorageWithPrefix(storage, params.BackupCodeKeyPrefix),
		clock:   clk,
		hashKey: hashKey,
		count:   count,
	}
}
