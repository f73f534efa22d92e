package validation

import "github.com/cloudx-io/liveauction/auctionapi"

// SettlementValidationResult contains the results of checking one item of a
// signed settlement document against a bidder's copy of the bid history.
type SettlementValidationResult struct {
	SignatureValid    bool
	ItemFound         bool
	BidCountValid     bool
	DigestValid       bool
	OutcomeValid      bool
	WinnerValid       bool
	ValidationDetails []string

	// Document is the decoded settlement document, set whenever the payload parsed.
	Document *auctionapi.SettlementDocument
}

// IsValid returns true if all settlement validation checks passed
func (r *SettlementValidationResult) IsValid() bool {
	return r.SignatureValid && r.ItemFound && r.BidCountValid && r.DigestValid && r.OutcomeValid && r.WinnerValid
}
