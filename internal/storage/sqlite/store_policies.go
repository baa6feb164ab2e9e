package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elizatown/town/internal/services/pony/policy"
	"github.com/elizatown/town/internal/storage"
)

// GetPolicy returns a house's stored policy.
func (s *Store) GetPolicy(ctx context.Context, houseID string) (policy.Policy, error) {
	if err := s.ready(ctx); err != nil {
		return policy.Policy{}, err
	}
	var (
		p                                        policy.Policy
		allowAnon, autoAccept, reqPostage, reqRc int
		allowlist, blocklist                     string
		updated                                  int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT house_id, allow_anonymous, auto_accept_allowlist, allowlist_json, blocklist_json,
		        require_postage_anonymous, require_receipt_anonymous, updated_at
		   FROM pony_policies WHERE house_id = ?`,
		houseID,
	).Scan(&p.HouseID, &allowAnon, &autoAccept, &allowlist, &blocklist, &reqPostage, &reqRc, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Policy{}, storage.ErrNotFound
	}
	if err != nil {
		return policy.Policy{}, fmt.Errorf("get policy: %w", err)
	}
	if err := json.Unmarshal([]byte(allowlist), &p.Allowlist); err != nil {
		return policy.Policy{}, fmt.Errorf("decode allowlist: %w", err)
	}
	if err := json.Unmarshal([]byte(blocklist), &p.Blocklist); err != nil {
		return policy.Policy{}, fmt.Errorf("decode blocklist: %w", err)
	}
	p.AllowAnonymous = allowAnon != 0
	p.AutoAcceptAllowlist = autoAccept != 0
	p.RequirePostageAnonymous = reqPostage != 0
	p.RequireReceiptAnonymous = reqRc != 0
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

// PutPolicy upserts a house's policy.
func (s *Store) PutPolicy(ctx context.Context, p policy.Policy) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	allowlist, err := json.Marshal(nonNil(p.Allowlist))
	if err != nil {
		return fmt.Errorf("marshal allowlist: %w", err)
	}
	blocklist, err := json.Marshal(nonNil(p.Blocklist))
	if err != nil {
		return fmt.Errorf("marshal blocklist: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO pony_policies (
		   house_id, allow_anonymous, auto_accept_allowlist, allowlist_json, blocklist_json,
		   require_postage_anonymous, require_receipt_anonymous, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (house_id) DO UPDATE SET
		   allow_anonymous = excluded.allow_anonymous,
		   auto_accept_allowlist = excluded.auto_accept_allowlist,
		   allowlist_json = excluded.allowlist_json,
		   blocklist_json = excluded.blocklist_json,
		   require_postage_anonymous = excluded.require_postage_anonymous,
		   require_receipt_anonymous = excluded.require_receipt_anonymous,
		   updated_at = excluded.updated_at`,
		p.HouseID,
		boolToInt(p.AllowAnonymous),
		boolToInt(p.AutoAcceptAllowlist),
		string(allowlist),
		string(blocklist),
		boolToInt(p.RequirePostageAnonymous),
		boolToInt(p.RequireReceiptAnonymous),
		toMillis(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put policy: %w", err)
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ policy.Store = (*Store)(nil)
