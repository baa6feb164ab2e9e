// Package sqlite persists town's relational state: houses and init nonces,
// ceremony sessions, Pony messages, aliases, policies, dispatch receipts and
// vault chains.
//
// Timestamps are stored as Unix milliseconds except vault entries, whose
// creation time feeds the entry hash and is stored at full precision.
package sqlite
