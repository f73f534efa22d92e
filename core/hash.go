package core

import (
	"crypto/sha256"
	"fmt"
)

// ComputeBidHash computes the hash of an admitted bid.
// This is used by the ledger (to build item digests) and validation (to verify them).
//
// Formula: SHA256(session_id + "|" + item_id + "|" + seq + "|" + bidder_id + "|" + amount + "|" + admitted_at_unix_nano)
//
// The amount uses its canonical decimal string so 110 and 110.00 hash identically.
func ComputeBidHash(bid Bid) string {
	data := fmt.Sprintf("%s|%s|%d|%s|%s|%d",
		bid.SessionID, bid.ItemID, bid.Seq, bid.BidderID, bid.Amount.String(), bid.AdmittedAt.UnixNano())
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// EmptyHistoryDigest is the digest of an item without admitted bids.
var EmptyHistoryDigest = fmt.Sprintf("%x", sha256.Sum256(nil))

// ChainDigest extends a history digest with one more bid.
//
// Formula: SHA256(previous_digest + "|" + bid_hash)
func ChainDigest(previous string, bid Bid) string {
	data := previous + "|" + ComputeBidHash(bid)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeHistoryDigest folds ChainDigest over bids in sequence order.
// Replaying the same history always yields the same digest.
func ComputeHistoryDigest(bids []Bid) string {
	digest := EmptyHistoryDigest
	for _, bid := range bids {
		digest = ChainDigest(digest, bid)
	}
	return digest
}
