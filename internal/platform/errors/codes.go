// Package errors provides structured, code-based errors for town services.
package errors

import "net/http"

// Code is a machine-readable error code. Codes are part of the wire contract
// and never change meaning once published.
type Code string

const (
	CodeUnknown        Code = "UNKNOWN"
	CodeInternal       Code = "INTERNAL"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeNotFound       Code = "NOT_FOUND"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeForbidden      Code = "FORBIDDEN"

	// Ceremony errors
	CodeCeremonySessionInvalid     Code = "CEREMONY_SESSION_INVALID"
	CodeCeremonyParticipantInvalid Code = "CEREMONY_PARTICIPANT_INVALID"
	CodeCeremonyCommitInvalid      Code = "CEREMONY_COMMIT_INVALID"
	CodeCeremonyRevealInvalid      Code = "CEREMONY_REVEAL_INVALID"
	CodeCommitMismatch             Code = "COMMIT_MISMATCH"
	CodeCeremonyNotFound           Code = "CEREMONY_NOT_FOUND"
	CodeCeremonyAlreadyCommitted   Code = "CEREMONY_ALREADY_COMMITTED"
	CodeCeremonyAlreadyRevealed    Code = "CEREMONY_ALREADY_REVEALED"
	CodeCeremonyCommitsIncomplete  Code = "CEREMONY_COMMITS_INCOMPLETE"
	CodeCeremonyCommitMissing      Code = "CEREMONY_COMMIT_MISSING"
	CodeCeremonyAborted            Code = "CEREMONY_ABORTED"

	// House registration errors
	CodeHouseIDInvalid           Code = "HOUSE_ID_INVALID"
	CodeHousePubKeyRequired      Code = "HOUSE_PUBKEY_REQUIRED"
	CodeHouseKeyModeInvalid      Code = "HOUSE_KEY_MODE_INVALID"
	CodeHouseAuthKeyInvalid      Code = "HOUSE_AUTH_KEY_INVALID"
	CodeHouseWrappedKeyForbidden Code = "HOUSE_WRAPPED_KEY_FORBIDDEN"
	CodeHouseWrappedKeyRequired  Code = "HOUSE_WRAPPED_KEY_REQUIRED"
	CodeHouseNotFound            Code = "HOUSE_NOT_FOUND"
	CodeHouseAlreadyRegistered   Code = "HOUSE_ALREADY_REGISTERED"
	CodeNonceInvalid             Code = "NONCE_INVALID"

	// Relay errors
	CodeMessageInvalid        Code = "MESSAGE_INVALID"
	CodeDestinationRequired   Code = "DESTINATION_REQUIRED"
	CodeMessageNotFound       Code = "MESSAGE_NOT_FOUND"
	CodeMessageAlreadyDecided Code = "MESSAGE_ALREADY_DECIDED"
	CodeAliasInvalid          Code = "ALIAS_INVALID"
	CodeAliasTaken            Code = "ALIAS_TAKEN"
	CodeAnchorNotFound        Code = "ANCHOR_NOT_FOUND"
	CodeAnchorUnavailable     Code = "ANCHOR_REGISTRY_UNAVAILABLE"

	// Policy errors
	CodePolicyInvalid       Code = "POLICY_INVALID"
	CodeSenderBlocked       Code = "SENDER_BLOCKED"
	CodeAnonymousNotAllowed Code = "ANONYMOUS_NOT_ALLOWED"
	CodeRateLimitedPony     Code = "RATE_LIMITED_PONY"

	// Postage errors
	CodePostageKindUnknown          Code = "POSTAGE_KIND_UNKNOWN"
	CodePostageRequired             Code = "POSTAGE_REQUIRED"
	CodePostageReceiptRequired      Code = "POSTAGE_RECEIPT_REQUIRED"
	CodePostagePowDifficultyTooLow  Code = "POSTAGE_POW_DIFFICULTY_TOO_LOW"
	CodePostagePowDigestInvalid     Code = "POSTAGE_POW_DIGEST_INVALID"
	CodePostagePowWorkInsufficient  Code = "POSTAGE_POW_WORK_INSUFFICIENT"
	CodePostageReceiptIDInvalid     Code = "POSTAGE_RECEIPT_ID_INVALID"
	CodePostageReceiptsEmpty        Code = "POSTAGE_RECEIPTS_EMPTY"
	CodePostageReceiptDuplicate     Code = "POSTAGE_RECEIPT_DUPLICATE"
	CodePostageReceiptNotFound      Code = "POSTAGE_RECEIPT_NOT_FOUND"
	CodePostageReceiptHouseMismatch Code = "POSTAGE_RECEIPT_HOUSE_MISMATCH"
	CodeReceiptResolverUnavailable  Code = "RECEIPT_RESOLVER_UNAVAILABLE"

	// Vault errors
	CodeVaultCiphertextRequired Code = "VAULT_CIPHERTEXT_REQUIRED"
	CodeVaultRefInvalid         Code = "VAULT_REF_INVALID"
	CodeVaultRefMetaInvalid     Code = "VAULT_REF_META_INVALID"
	CodeVaultRefMetaRefUnknown  Code = "VAULT_REF_META_REF_UNKNOWN"
	CodeVaultChainConflict      Code = "VAULT_CHAIN_CONFLICT"
	CodeVaultChainBroken        Code = "VAULT_CHAIN_BROKEN"

	// Bounded log errors
	CodeLogEntryInvalid Code = "LOG_ENTRY_INVALID"
	CodeLogFull         Code = "LOG_FULL"
)

// HTTPStatus maps a code to the HTTP status used on the wire.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest,
		CodeCeremonySessionInvalid,
		CodeCeremonyParticipantInvalid,
		CodeCeremonyCommitInvalid,
		CodeCeremonyRevealInvalid,
		CodeCommitMismatch,
		CodeHouseIDInvalid,
		CodeHousePubKeyRequired,
		CodeHouseKeyModeInvalid,
		CodeHouseAuthKeyInvalid,
		CodeHouseWrappedKeyForbidden,
		CodeHouseWrappedKeyRequired,
		CodeNonceInvalid,
		CodeMessageInvalid,
		CodeDestinationRequired,
		CodeAliasInvalid,
		CodePolicyInvalid,
		CodePostageKindUnknown,
		CodePostageReceiptIDInvalid,
		CodePostageReceiptsEmpty,
		CodeVaultCiphertextRequired,
		CodeVaultRefInvalid,
		CodeVaultRefMetaInvalid,
		CodeVaultRefMetaRefUnknown,
		CodeLogEntryInvalid:
		return http.StatusBadRequest

	case CodeUnauthorized:
		return http.StatusUnauthorized

	case CodePostageRequired,
		CodePostageReceiptRequired,
		CodePostagePowDifficultyTooLow,
		CodePostagePowDigestInvalid,
		CodePostagePowWorkInsufficient,
		CodePostageReceiptDuplicate,
		CodePostageReceiptNotFound,
		CodePostageReceiptHouseMismatch:
		return http.StatusPaymentRequired

	case CodeForbidden,
		CodeSenderBlocked,
		CodeAnonymousNotAllowed:
		return http.StatusForbidden

	case CodeNotFound,
		CodeHouseNotFound,
		CodeMessageNotFound,
		CodeCeremonyNotFound,
		CodeAnchorNotFound:
		return http.StatusNotFound

	case CodeHouseAlreadyRegistered,
		CodeMessageAlreadyDecided,
		CodeCeremonyAlreadyCommitted,
		CodeCeremonyAlreadyRevealed,
		CodeCeremonyCommitsIncomplete,
		CodeCeremonyCommitMissing,
		CodeCeremonyAborted,
		CodeAliasTaken,
		CodeLogFull,
		CodeVaultChainConflict:
		return http.StatusConflict

	case CodeRateLimitedPony:
		return http.StatusTooManyRequests

	case CodeAnchorUnavailable,
		CodeReceiptResolverUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
