package vault

import "context"

// Store persists vault chains.
type Store interface {
	// GetVaultHead returns storage.ErrNotFound for a house with no entries.
	GetVaultHead(ctx context.Context, houseID string) (Head, error)
	// AppendVaultEntry stores entry and advances the head. It returns
	// storage.ErrConflict unless the current head is (entry.Seq-1, entry.PrevHash).
	AppendVaultEntry(ctx context.Context, entry Entry) error
	// ListVaultEntries returns entries with seq > afterSeq, oldest first.
	ListVaultEntries(ctx context.Context, houseID string, afterSeq uint64, limit int) ([]Entry, error)
}
