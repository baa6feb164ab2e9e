package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/elizatown/town/internal/services/pony/envelope"
	"github.com/elizatown/town/internal/services/pony/postage"
	"github.com/elizatown/town/internal/services/pony/vault"
	"github.com/elizatown/town/internal/storage"
)

func vaultEntry(t *testing.T, seq uint64, prev string) vault.Entry {
	t.Helper()
	e := vault.Entry{
		ID:         "vlt_" + string(rune('a'+seq)) + "0000000",
		HouseID:    "house-1",
		Seq:        seq,
		CreatedAt:  testNow.Add(time.Duration(seq) * 1500 * time.Microsecond),
		Ciphertext: envelope.Ciphertext{Alg: "aes-256-gcm", IV: "iv", CT: "ct"},
		Refs:       []string{"blob"},
		RefsMeta:   []json.RawMessage{json.RawMessage(`{"ref":"blob","size":3}`)},
		PrevHash:   prev,
	}
	hash, err := vault.ComputeHash(prev, e)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	e.Hash = hash
	return e
}

func TestVaultAppendIsCompareAndSwap(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	if _, err := store.GetVaultHead(ctx, "house-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("empty head err = %v, want ErrNotFound", err)
	}

	first := vaultEntry(t, 1, vault.GenesisHash)
	if err := store.AppendVaultEntry(ctx, first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := store.AppendVaultEntry(ctx, first); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("replayed first err = %v, want ErrConflict", err)
	}
	if err := store.AppendVaultEntry(ctx, vaultEntry(t, 2, "deadbeef")); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("wrong prev err = %v, want ErrConflict", err)
	}
	second := vaultEntry(t, 2, first.Hash)
	if err := store.AppendVaultEntry(ctx, second); err != nil {
		t.Fatalf("append second: %v", err)
	}

	head, err := store.GetVaultHead(ctx, "house-1")
	if err != nil {
		t.Fatalf("get head: %v", err)
	}
	if head.Seq != 2 || head.Hash != second.Hash {
		t.Fatalf("head = %+v, want seq 2 hash %s", head, second.Hash)
	}

	entries, err := store.ListVaultEntries(ctx, "house-1", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		want, err := vault.ComputeHash(e.PrevHash, e)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if want != e.Hash {
			t.Fatalf("entry %d hash does not recompute after round trip", e.Seq)
		}
	}
	after, err := store.ListVaultEntries(ctx, "house-1", 1, 10)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(after) != 1 || after[0].Seq != 2 {
		t.Fatalf("after = %+v, want seq 2 only", after)
	}
}

type allowAllPostage struct{}

func (allowAllPostage) Verify(context.Context, *postage.Postage, postage.Context) error { return nil }

func TestVaultServiceOverSQLite(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	svc := vault.NewService(store, allowAllPostage{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Append(ctx, vault.AppendInput{
				HouseID:    "house-1",
				Ciphertext: envelope.Ciphertext{Alg: "aes-256-gcm", IV: "iv", CT: "ct"},
				Postage:    &postage.Postage{Kind: postage.KindNone},
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	head, err := svc.VerifyChain(ctx, "house-1")
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if head.Seq != 10 {
		t.Fatalf("head seq = %d, want 10", head.Seq)
	}
	page, err := svc.List(ctx, "house-1", 4, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Entries) != 4 || page.NextCursor == "" || page.Head != head.Hash {
		t.Fatalf("page = %d entries cursor %q head %q", len(page.Entries), page.NextCursor, page.Head)
	}
}

func TestVaultAppendsAcrossHousesConcurrently(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	svc := vault.NewService(store, allowAllPostage{})
	ctx := context.Background()

	const houses, perHouse = 16, 10
	var wg sync.WaitGroup
	errs := make(chan error, houses*perHouse)
	for h := 0; h < houses; h++ {
		houseID := fmt.Sprintf("house-%02d", h)
		for i := 0; i < perHouse; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Append(ctx, vault.AppendInput{
					HouseID:    houseID,
					Ciphertext: envelope.Ciphertext{Alg: "aes-256-gcm", IV: "iv", CT: "ct"},
				})
				if err != nil {
					errs <- fmt.Errorf("%s: %w", houseID, err)
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	for h := 0; h < houses; h++ {
		houseID := fmt.Sprintf("house-%02d", h)
		head, err := svc.VerifyChain(ctx, houseID)
		if err != nil {
			t.Fatalf("verify %s: %v", houseID, err)
		}
		if head.Seq != perHouse {
			t.Fatalf("%s head seq = %d, want %d", houseID, head.Seq, perHouse)
		}
	}
}
