package settlement

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/liveauction/auctionapi"
	"github.com/cloudx-io/liveauction/core"
)

// ContentTypeCBOR is the COSE content type of settlement document payloads.
const ContentTypeCBOR = "application/cbor"

// documentNamespace derives stable document ids from session ids.
var documentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("liveauction/settlement"))

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("settlement: invalid CBOR options: %v", err))
	}
	return em
}()

// DocumentID returns the id of the settlement document of sessionID. A
// session only ever has one document, so the id is derived from it.
func DocumentID(sessionID string) string {
	return uuid.NewSHA1(documentNamespace, []byte(sessionID)).String()
}

// BuildDocument turns a settlement batch into the document the payment side receives.
func BuildDocument(batch core.SettlementBatch, currency core.Currency, issuedAt time.Time) auctionapi.SettlementDocument {
	snapshots := make(map[string]core.ItemSnapshot, len(batch.Snapshots))
	for _, snap := range batch.Snapshots {
		snapshots[snap.Item.ItemID] = snap
	}

	doc := auctionapi.SettlementDocument{
		DocumentID: DocumentID(batch.SessionID),
		SessionID:  batch.SessionID,
		ClosedAt:   batch.ClosedAt.UTC(),
		Currency:   currency.Code,
		Items:      make([]auctionapi.SettlementDocumentItem, 0, len(batch.Intents)),
		IssuedAt:   issuedAt.UTC(),
	}

	for _, intent := range batch.Intents {
		snap := snapshots[intent.ItemID]
		item := auctionapi.SettlementDocumentItem{
			ItemID:       intent.ItemID,
			Outcome:      string(intent.Outcome),
			Reason:       string(intent.Reason),
			BidCount:     snap.BidCount,
			LedgerDigest: snap.Digest,
		}
		if snap.Item.HasReserve() {
			item.ReservePrice = snap.Item.ReservePrice.StringFixed(currency.MinorUnits)
		}
		if intent.Sold() {
			item.WinningBidID = intent.WinningBid.ID
			item.WinningBidder = intent.WinningBid.BidderID
			item.WinningAmount = intent.WinningBid.Amount.StringFixed(currency.MinorUnits)
			item.WinningSeq = intent.WinningBid.Seq
		}
		doc.Items = append(doc.Items, item)
	}
	return doc
}

// EncodeDocument returns the canonical CBOR encoding of doc.
func EncodeDocument(doc auctionapi.SettlementDocument) ([]byte, error) {
	payload, err := encMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settlement document: %w", err)
	}
	return payload, nil
}

// Sign encodes doc and signs it as an untagged COSE_Sign1 message with ES256.
func (km *KeyManager) Sign(doc auctionapi.SettlementDocument) (auctionapi.SettlementCOSE, error) {
	payload, err := EncodeDocument(doc)
	if err != nil {
		return nil, err
	}

	signer, err := cose.NewSigner(cose.AlgorithmES256, km.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	msg := cose.Sign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm:   cose.AlgorithmES256,
				cose.HeaderLabelContentType: ContentTypeCBOR,
			},
		},
		Payload: payload,
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("failed to sign settlement document: %w", err)
	}

	untagged := cose.UntaggedSign1Message(msg)
	coseBytes, err := untagged.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal COSE_Sign1: %w", err)
	}
	return auctionapi.SettlementCOSE(coseBytes), nil
}
