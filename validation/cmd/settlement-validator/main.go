package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/cloudx-io/liveauction/auctionapi"
	"github.com/cloudx-io/liveauction/core"
	"github.com/cloudx-io/liveauction/validation"
)

func main() {
	// Define CLI flags
	var (
		documentInput  = flag.String("document", "", "Signed settlement document, base64 COSE_Sign1 (file path or inline)")
		publicKeyInput = flag.String("public-key", "", "Signing public key PEM (file path or inline)")
		historyInput   = flag.String("history", "", "Bid history JSON: bid array or bid_history response (file path or inline JSON)")
		itemID         = flag.String("item", "", "Item id to validate")
		bidID          = flag.String("bid-id", "", "Optional: id of the bid you placed")
		isWinner       = flag.Bool("winner", false, "Expect --bid-id to be the winning bid")
		outputFormat   = flag.String("format", "text", "Output format: text or json")
		help           = flag.Bool("help", false, "Show usage information")
	)

	flag.Parse()

	// Show help
	if *help {
		showUsage()
		os.Exit(0)
	}

	// Check for required inputs
	if *documentInput == "" || *publicKeyInput == "" || *historyInput == "" || *itemID == "" {
		showUsage()
		fmt.Fprintf(os.Stderr, "\nError: --document, --public-key, --history and --item are required\n")
		os.Exit(1)
	}

	document, err := readInput(*documentInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading settlement document: %v\n", err)
		os.Exit(2)
	}

	publicKey, err := readInput(*publicKeyInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading public key: %v\n", err)
		os.Exit(2)
	}

	historyJSON, err := readInput(*historyInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading bid history: %v\n", err)
		os.Exit(2)
	}

	history, err := parseHistory(historyJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error extracting bid history: %v\n", err)
		os.Exit(2)
	}

	// Validate using library
	result, err := validation.ValidateSettlement(&validation.SettlementValidationInput{
		SettlementCOSE: auctionapi.SettlementCOSEBase64(strings.TrimSpace(string(document))),
		PublicKeyPEM:   string(publicKey),
		ItemID:         *itemID,
		History:        history,
		BidID:          *bidID,
		IsWinner:       *isWinner,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation error: %v\n", err)
		os.Exit(2)
	}

	// Output results
	if *outputFormat == "json" {
		outputJSON(result)
	} else {
		outputText(result)
	}

	// Exit with appropriate code
	if !result.IsValid() {
		os.Exit(1)
	}
	os.Exit(0)
}

func showUsage() {
	fmt.Println("Auction Settlement Validator")
	fmt.Println()
	fmt.Println("Validates a signed settlement document against your copy of an item's bid history.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  settlement-validator --document <cose> --public-key <pem> --history <json> --item <id> [options]")
	fmt.Println()
	fmt.Println("Required Flags:")
	fmt.Println("  --document <cose>                 Base64 COSE_Sign1 from the settlements response")
	fmt.Println("  --public-key <pem>                Key from the public_key response")
	fmt.Println("  --history <json>                  Bid history of the item")
	fmt.Println("  --item <id>                       Item to validate")
	fmt.Println()
	fmt.Println("Optional Flags:")
	fmt.Println("  --bid-id <id>                     Your bid; checked against the winner")
	fmt.Println("  --winner                          Expect --bid-id to have won")
	fmt.Println("  --format <text|json>              Output format (default: text)")
	fmt.Println("  --help                            Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  settlement-validator \\")
	fmt.Println("    --document settlement.b64 \\")
	fmt.Println("    --public-key auctiond.pub.pem \\")
	fmt.Println("    --history history.json \\")
	fmt.Println("    --item lot-1 --bid-id 6f1c... --winner")
	fmt.Println()
	fmt.Println("Exit Codes:")
	fmt.Println("  0 - Validation passed")
	fmt.Println("  1 - Validation failed")
	fmt.Println("  2 - Invalid input or runtime error")
}

func readInput(input string) ([]byte, error) {
	// Try reading as file first
	if data, err := os.ReadFile(input); err == nil {
		return data, nil
	}
	// Treat as inline value
	return []byte(input), nil
}

// parseHistory accepts a bare bid array or a bid_history response.
func parseHistory(data []byte) ([]core.Bid, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var bids []core.Bid
		if err := json.Unmarshal(data, &bids); err != nil {
			return nil, fmt.Errorf("parse bid array: %w", err)
		}
		return bids, nil
	}

	var resp auctionapi.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse bid_history response: %w", err)
	}
	if resp.Type != auctionapi.TypeBidHistory {
		return nil, fmt.Errorf("expected %q response, got %q", auctionapi.TypeBidHistory, resp.Type)
	}
	return resp.History, nil
}

func outputText(result *validation.SettlementValidationResult) {
	fmt.Println("Auction Settlement Validator")
	fmt.Println("============================")
	fmt.Println()

	if result.Document != nil {
		fmt.Printf("Session:   %s\n", result.Document.SessionID)
		fmt.Printf("Document:  %s\n", result.Document.DocumentID)
		fmt.Printf("Closed At: %s\n", result.Document.ClosedAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Signature Valid:         %v\n", result.SignatureValid)
	fmt.Printf("  Item Found:              %v\n", result.ItemFound)
	fmt.Printf("  Bid Count Valid:         %v\n", result.BidCountValid)
	fmt.Printf("  Digest Valid:            %v\n", result.DigestValid)
	fmt.Printf("  Outcome Valid:           %v\n", result.OutcomeValid)
	fmt.Printf("  Winner Valid:            %v\n", result.WinnerValid)

	fmt.Println()
	fmt.Println("Details:")
	for _, detail := range result.ValidationDetails {
		fmt.Printf("  - %s\n", detail)
	}

	fmt.Println()
	fmt.Println("============================")
	if result.IsValid() {
		fmt.Println("VALIDATION: ✓ PASSED")
		fmt.Println("Exit Code: 0")
	} else {
		fmt.Println("VALIDATION: ✗ FAILED")
		fmt.Println("Exit Code: 1")
	}
}

func outputJSON(result *validation.SettlementValidationResult) {
	output := map[string]any{
		"valid":           result.IsValid(),
		"signature_valid": result.SignatureValid,
		"item_found":      result.ItemFound,
		"bid_count_valid": result.BidCountValid,
		"digest_valid":    result.DigestValid,
		"outcome_valid":   result.OutcomeValid,
		"winner_valid":    result.WinnerValid,
		"details":         result.ValidationDetails,
	}
	if result.Document != nil {
		output["document"] = result.Document
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(string(data))
}
