package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"deedledger/crypto"
)

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
	switch args[0] {
	case "list":
		return runEscrowList(args[1:], stdout, stderr)
	case "deposit":
		return runEscrowAmount("escrow_depositEarnest", "escrow deposit", args[1:], stdout, stderr)
	case "fund":
		return runEscrowAmount("escrow_fundLoan", "escrow fund", args[1:], stdout, stderr)
	case "inspect":
		return runEscrowInspect(args[1:], stdout, stderr)
	case "approve":
		return runEscrowTransition("escrow_approveSale", "escrow approve", args[1:], stdout, stderr)
	case "finalize":
		return runEscrowTransition("escrow_finalizeSale", "escrow finalize", args[1:], stdout, stderr)
	case "cancel":
		return runEscrowTransition("escrow_cancelSale", "escrow cancel", args[1:], stdout, stderr)
	case "get":
		return runEscrowRead("escrow_get", "escrow get", args[1:], stdout, stderr)
	case "history":
		return runEscrowRead("escrow_history", "escrow history", args[1:], stdout, stderr)
	case "approval":
		return runEscrowApproval(args[1:], stdout, stderr)
	case "custody":
		return runEscrowNoParams("escrow_custodyBalance", "escrow custody", args[1:], stdout, stderr)
	case "roles":
		return runEscrowNoParams("escrow_roles", "escrow roles", args[1:], stdout, stderr)
	case "events":
		return runEscrowEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func runEscrowList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow list", stderr)
	var keyPath, assetStr, buyer, price, escrowAmount string
	fs.StringVar(&keyPath, "key", "", "seller keystore")
	fs.StringVar(&assetStr, "asset", "", "deed id to list")
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&price, "price", "", "purchase price (supports 100e18 shorthand)")
	fs.StringVar(&escrowAmount, "escrow", "", "required earnest deposit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	assetID, err := parseID("--asset", assetStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	buyer = strings.TrimSpace(buyer)
	if buyer == "" {
		return printError(stderr, "--buyer is required")
	}
	if _, err := crypto.ParseDeedAddress(buyer); err != nil {
		return printError(stderr, fmt.Sprintf("invalid --buyer: %v", err))
	}
	normalizedPrice, err := normalizeAmount("--price", price, true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	normalizedEscrow, err := normalizeAmount("--escrow", escrowAmount, true)
	if err != nil {
		return printError(stderr, err.Error())
	}
	signer, err := loadSigner(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"assetId":       assetID,
		"buyer":         buyer,
		"purchasePrice": normalizedPrice,
		"escrowAmount":  normalizedEscrow,
	}
	result, err := rpcCall("escrow_list", params, signer)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowAmount(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var keyPath, assetStr, amount string
	fs.StringVar(&keyPath, "key", "", "keystore of the paying party")
	fs.StringVar(&assetStr, "asset", "", "listed deed id")
	fs.StringVar(&amount, "amount", "", "amount to move into custody")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	assetID, err := parseID("--asset", assetStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	normalized, err := normalizeAmount("--amount", amount, false)
	if err != nil {
		return printError(stderr, err.Error())
	}
	signer, err := loadSigner(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, err := rpcCall(method, map[string]interface{}{"assetId": assetID, "amount": normalized}, signer)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowInspect(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow inspect", stderr)
	var keyPath, assetStr, outcome string
	fs.StringVar(&keyPath, "key", "", "inspector keystore")
	fs.StringVar(&assetStr, "asset", "", "listed deed id")
	fs.StringVar(&outcome, "result", "", "inspection result: pass or fail")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	assetID, err := parseID("--asset", assetStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	var passed bool
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "pass", "passed", "true":
		passed = true
	case "fail", "failed", "false":
		passed = false
	case "":
		return printError(stderr, "--result is required")
	default:
		return printError(stderr, "--result must be pass or fail")
	}
	signer, err := loadSigner(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, err := rpcCall("escrow_updateInspection", map[string]interface{}{"assetId": assetID, "passed": passed}, signer)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowTransition(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var keyPath, assetStr string
	fs.StringVar(&keyPath, "key", "", "keystore of the acting party")
	fs.StringVar(&assetStr, "asset", "", "listed deed id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	assetID, err := parseID("--asset", assetStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	signer, err := loadSigner(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, err := rpcCall(method, map[string]interface{}{"assetId": assetID}, signer)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowRead(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var assetStr string
	fs.StringVar(&assetStr, "asset", "", "deed id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	assetID, err := parseID("--asset", assetStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, err := rpcCall(method, map[string]interface{}{"assetId": assetID}, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowApproval(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow approval", stderr)
	var assetStr, party string
	fs.StringVar(&assetStr, "asset", "", "deed id")
	fs.StringVar(&party, "party", "", "party address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	assetID, err := parseID("--asset", assetStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	party = strings.TrimSpace(party)
	if party == "" {
		return printError(stderr, "--party is required")
	}
	if _, err := crypto.ParseDeedAddress(party); err != nil {
		return printError(stderr, fmt.Sprintf("invalid --party: %v", err))
	}
	result, err := rpcCall("escrow_approval", map[string]interface{}{"assetId": assetID, "party": party}, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowNoParams(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	result, err := rpcCall(method, nil, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow events", stderr)
	var (
		eventType string
		assetStr  string
		after     int64
		limit     int
	)
	fs.StringVar(&eventType, "type", "", "only events of this type (e.g. escrow.settled)")
	fs.StringVar(&assetStr, "asset", "", "only events for this deed id")
	fs.Int64Var(&after, "after", 0, "only events with a higher sequence")
	fs.IntVar(&limit, "limit", 0, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if after < 0 {
		return printError(stderr, "--after must not be negative")
	}
	if limit < 0 {
		return printError(stderr, "--limit must not be negative")
	}
	params := map[string]interface{}{}
	if eventType = strings.TrimSpace(eventType); eventType != "" {
		params["type"] = eventType
	}
	if strings.TrimSpace(assetStr) != "" {
		assetID, err := parseID("--asset", assetStr)
		if err != nil {
			return printError(stderr, err.Error())
		}
		params["assetId"] = assetID
	}
	if after > 0 {
		params["afterSequence"] = after
	}
	if limit > 0 {
		params["limit"] = limit
	}
	result, err := rpcCall("escrow_listEvents", params, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

// normalizeAmount accepts plain integers, 1_000 separators and scientific
// shorthand such as 2.5e3, returning a canonical base-10 string.
func normalizeAmount(flagName, value string, allowZero bool) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expValue, err := strconv.ParseInt(strings.TrimSpace(trimmed[idx+1:]), 10, 32)
		if err != nil || expValue < 0 {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("%s must not be negative", flagName)
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid %s format", flagName)
	}
	fractional := ""
	if len(parts) == 2 {
		fractional = parts[1]
	}
	digits := parts[0] + fractional
	if digits == "" || !isDigits(digits) {
		return "", fmt.Errorf("invalid %s format", flagName)
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractional)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	if digits == "" {
		if allowZero {
			return "0", nil
		}
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	shift := exponent - fracLen
	if shift < 0 {
		return "", fmt.Errorf("%s must be an integer", flagName)
	}
	return digits + strings.Repeat("0", shift), nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func escrowUsage() string {
	return strings.TrimSpace(`Usage:
  deed-cli escrow <command> [flags]

Commands:
  list      List a deed for sale (seller: --key, --asset, --buyer, --price, --escrow)
  deposit   Deposit earnest money (buyer: --key, --asset, --amount)
  fund      Fund the loan (lender: --key, --asset, --amount)
  inspect   Record the inspection result (inspector: --key, --asset, --result pass|fail)
  approve   Approve the sale (any party: --key, --asset)
  finalize  Settle the sale (seller: --key, --asset)
  cancel    Cancel the sale (seller or buyer: --key, --asset)
  get       Show the active listing (--asset)
  history   Show every listing recorded for a deed (--asset)
  approval  Show whether a party approved (--asset, --party)
  custody   Show the total held in custody
  roles     Show the configured role addresses
  events    Page through recorded events (--type, --asset, --after, --limit)
`)
}
