package validation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/liveauction/auctionapi"
)

// ExtractCOSEPayload extracts the payload from a COSE_Sign1 4-element array
// COSE_Sign1 structure: [protected, unprotected, payload, signature]
// Returns the payload bytes (element 2)
func ExtractCOSEPayload(coseBytes []byte) ([]byte, error) {
	var coseArray []any
	err := cbor.Unmarshal(coseBytes, &coseArray)
	if err != nil {
		return nil, fmt.Errorf("parse COSE array: %w", err)
	}

	if len(coseArray) != 4 {
		return nil, fmt.Errorf("invalid COSE_Sign1 structure: expected 4 elements, got %d", len(coseArray))
	}

	payload, ok := coseArray[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid payload in COSE structure")
	}

	return payload, nil
}

// ParsePublicKeyPEM parses the PEM encoded P-256 key settlement documents are verified with.
func ParsePublicKeyPEM(publicKeyPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block containing public key")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	ecdsaKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	if ecdsaKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("public key must use curve P-256")
	}
	return ecdsaKey, nil
}

// VerifyCOSESignature verifies an untagged COSE_Sign1 settlement signature
// against a PEM encoded public key.
func VerifyCOSESignature(coseBytes auctionapi.SettlementCOSE, publicKeyPEM string) error {
	ecdsaKey, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return err
	}

	// Settlement documents are untagged COSE_Sign1 (4-element array)
	// Parse it manually: [protected, unprotected, payload, signature]
	var coseArray []any
	err = cbor.Unmarshal(coseBytes, &coseArray)
	if err != nil {
		return fmt.Errorf("parse COSE array: %w", err)
	}

	if len(coseArray) != 4 {
		return fmt.Errorf("invalid COSE_Sign1 structure: expected 4 elements, got %d", len(coseArray))
	}

	protectedBytes, ok := coseArray[0].([]byte)
	if !ok {
		return fmt.Errorf("invalid protected headers")
	}

	payload, ok := coseArray[2].([]byte)
	if !ok {
		return fmt.Errorf("invalid payload")
	}

	signature, ok := coseArray[3].([]byte)
	if !ok {
		return fmt.Errorf("invalid signature")
	}

	// Create Sig_structure for COSE_Sign1: ["Signature1", protected, external_aad, payload]
	sigStructure := []any{
		"Signature1",
		protectedBytes,
		[]byte{}, // empty external_aad
		payload,
	}

	sigStructureBytes, err := cbor.Marshal(sigStructure)
	if err != nil {
		return fmt.Errorf("marshal Sig_structure: %w", err)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, ecdsaKey)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}

	err = verifier.Verify(sigStructureBytes, signature)
	if err != nil {
		return fmt.Errorf("COSE signature verification failed: %w", err)
	}

	return nil
}

// ParseSettlementDocument decodes the settlement document carried in a COSE_Sign1 payload.
// The signature is not checked.
func ParseSettlementDocument(coseBytes auctionapi.SettlementCOSE) (*auctionapi.SettlementDocument, error) {
	payload, err := ExtractCOSEPayload(coseBytes)
	if err != nil {
		return nil, err
	}

	var doc auctionapi.SettlementDocument
	if err := cbor.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse settlement document: %w", err)
	}
	return &doc, nil
}

// VerifySettlementDocument verifies the signature of a settlement document and
// returns its decoded payload.
func VerifySettlementDocument(coseBytes auctionapi.SettlementCOSE, publicKeyPEM string) (*auctionapi.SettlementDocument, error) {
	if err := VerifyCOSESignature(coseBytes, publicKeyPEM); err != nil {
		return nil, err
	}
	return ParseSettlementDocument(coseBytes)
}
