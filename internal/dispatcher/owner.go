package dispatcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const ownerFileName = ".owner"

// ErrOwnerMismatch is returned when a session is opened against a group
// already owned by a different principal.
var ErrOwnerMismatch = errors.New("dispatcher: group is owned by a different principal")

// checkOrClaimOwner enforces that a (backup-type, backup-id) group is
// single-owner: the first session against a group claims it by writing
// ownerFileName; every later session must match the recorded owner. This
// mirrors the "each group has exactly one owning principal" invariant
// described in original_source's group-ownership handling.
func checkOrClaimOwner(groupDir, principal string) error {
	path := filepath.Join(groupDir, ownerFileName)

	existing, err := os.ReadFile(path)
	if err == nil {
		if strings.TrimSpace(string(existing)) != principal {
			return ErrOwnerMismatch
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("dispatcher: read owner file %s: %w", path, err)
	}

	if err := os.MkdirAll(groupDir, 0o750); err != nil {
		return fmt.Errorf("dispatcher: mkdir %s: %w", groupDir, err)
	}
	if err := os.WriteFile(path, []byte(principal), 0o644); err != nil {
		return fmt.Errorf("dispatcher: write owner file %s: %w", path, err)
	}
	return nil
}
