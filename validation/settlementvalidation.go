package validation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/liveauction/auctionapi"
	"github.com/cloudx-io/liveauction/core"
)

// SettlementValidationInput contains all inputs needed to validate one item of a settlement document
type SettlementValidationInput struct {
	SettlementCOSE auctionapi.SettlementCOSEBase64 // From the settlements response or the settlement stream
	PublicKeyPEM   string                          // From the public_key response
	ItemID         string
	History        []core.Bid // The item's bid history in sequence order
	BidID          string     // Optional: the bid the caller placed
	IsWinner       bool       // Expected result for BidID (true = expect to win, false = expect to lose)
}

// ValidateSettlement validates a signed settlement document and verifies:
// - Signature matches the published signing key
// - Bid count and ledger digest match the supplied history
// - Outcome follows from the history and the reserve price
// - Winner/loser determination for BidID
//
// Returns:
//   - SettlementValidationResult with detailed results (call result.IsValid() to check overall status)
//   - error if validation cannot be performed (e.g., malformed input)
func ValidateSettlement(input *SettlementValidationInput) (*SettlementValidationResult, error) {
	coseBytes, err := input.SettlementCOSE.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode settlement COSE: %w", err)
	}

	doc, err := ParseSettlementDocument(coseBytes)
	if err != nil {
		return nil, err
	}

	result := &SettlementValidationResult{Document: doc}

	if err := VerifyCOSESignature(coseBytes, input.PublicKeyPEM); err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Signature verification failed: %v", err))
	} else {
		result.SignatureValid = true
		result.ValidationDetails = append(result.ValidationDetails, "Signature verified with published key")
	}

	var item *auctionapi.SettlementDocumentItem
	for i := range doc.Items {
		if doc.Items[i].ItemID == input.ItemID {
			item = &doc.Items[i]
			break
		}
	}
	if item == nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Item %s not found in settlement document for session %s", input.ItemID, doc.SessionID))
		return result, nil
	}
	result.ItemFound = true

	result.BidCountValid = validateBidCount(input, item, result)
	result.DigestValid = validateDigest(input, item, result)
	result.OutcomeValid = validateOutcome(input, item, result)
	result.WinnerValid = validateWinner(input, item, result)

	return result, nil
}

func validateBidCount(input *SettlementValidationInput, item *auctionapi.SettlementDocumentItem, result *SettlementValidationResult) bool {
	if len(input.History) == item.BidCount {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid count validation passed: %d", item.BidCount))
		return true
	}

	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid count mismatch: history has %d, document has %d", len(input.History), item.BidCount))
	return false
}

func validateDigest(input *SettlementValidationInput, item *auctionapi.SettlementDocumentItem, result *SettlementValidationResult) bool {
	for i, bid := range input.History {
		if bid.Seq != uint64(i+1) {
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("History out of order: position %d has seq %d", i+1, bid.Seq))
			return false
		}
	}

	computed := core.ComputeHistoryDigest(input.History)
	if computed == item.LedgerDigest {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Ledger digest matches history: %s", computed))
		return true
	}

	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Ledger digest mismatch. Computed: %s, document has %s", computed, item.LedgerDigest))
	return false
}

func validateOutcome(input *SettlementValidationInput, item *auctionapi.SettlementDocumentItem, result *SettlementValidationResult) bool {
	if len(input.History) == 0 {
		if item.Outcome == string(core.OutcomeUnsold) && item.Reason == string(core.UnsoldNoBids) {
			result.ValidationDetails = append(result.ValidationDetails, "Outcome validation passed: unsold without bids")
			return true
		}
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Outcome mismatch: expected unsold (%s), document has %s %s", core.UnsoldNoBids, item.Outcome, item.Reason))
		return false
	}

	highest := input.History[len(input.History)-1]

	if item.ReservePrice != "" {
		reserve, err := decimal.NewFromString(item.ReservePrice)
		if err != nil {
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Invalid reserve price in document: %q", item.ReservePrice))
			return false
		}
		if highest.Amount.LessThan(reserve) {
			if item.Outcome == string(core.OutcomeUnsold) && item.Reason == string(core.UnsoldReserveNotMet) {
				result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Outcome validation passed: highest bid %s below reserve %s", highest.Amount, reserve))
				return true
			}
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Outcome mismatch: highest bid %s is below reserve %s, document has %s", highest.Amount, reserve, item.Outcome))
			return false
		}
	}

	if item.Outcome != string(core.OutcomeSold) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Outcome mismatch: expected sold to bid %s, document has %s %s", highest.ID, item.Outcome, item.Reason))
		return false
	}

	amount, err := decimal.NewFromString(item.WinningAmount)
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Invalid winning amount in document: %q", item.WinningAmount))
		return false
	}

	if item.WinningBidID != highest.ID || item.WinningBidder != highest.BidderID || item.WinningSeq != highest.Seq || !amount.Equal(highest.Amount) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winning bid mismatch: history ends with %s (%s, %s), document has %s (%s, %s)",
			highest.ID, highest.BidderID, highest.Amount, item.WinningBidID, item.WinningBidder, item.WinningAmount))
		return false
	}

	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Outcome validation passed: sold to %s for %s", highest.BidderID, item.WinningAmount))
	return true
}

func validateWinner(input *SettlementValidationInput, item *auctionapi.SettlementDocumentItem, result *SettlementValidationResult) bool {
	if input.BidID == "" {
		result.ValidationDetails = append(result.ValidationDetails, "Winner validation skipped: no bid id given")
		return true
	}

	included := false
	for _, bid := range input.History {
		if bid.ID == input.BidID {
			included = true
			break
		}
	}
	if !included {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid %s NOT found in history", input.BidID))
		return false
	}

	won := item.WinningBidID == input.BidID
	if won == input.IsWinner {
		if won {
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winner validation passed: bid %s won", input.BidID))
		} else {
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winner validation passed: bid %s did not win", input.BidID))
		}
		return true
	}

	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winner mismatch: expected is_winner=%v for bid %s, document winner is %q", input.IsWinner, input.BidID, item.WinningBidID))
	return false
}
