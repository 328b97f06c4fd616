package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"deedledger/crypto"
)

func runDeedCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, deedUsage())
		return 1
	}
	switch args[0] {
	case "mint":
		return runDeedMint(args[1:], stdout, stderr)
	case "approve":
		return runDeedApprove(args[1:], stdout, stderr)
	case "transfer":
		return runDeedTransfer(args[1:], stdout, stderr)
	case "owner":
		return runDeedRead("deed_ownerOf", "deed owner", args[1:], stdout, stderr)
	case "get":
		return runDeedRead("deed_get", "deed get", args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown deed subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, deedUsage())
		return 1
	}
}

func runDeedMint(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deed mint", stderr)
	var keyPath, uri string
	fs.StringVar(&keyPath, "key", "", "seller keystore")
	fs.StringVar(&uri, "uri", "", "token URI describing the property")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(uri) == "" {
		return printError(stderr, "--uri is required")
	}
	signer, err := loadSigner(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, err := rpcCall("deed_mint", map[string]interface{}{"tokenUri": uri}, signer)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runDeedApprove(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deed approve", stderr)
	var keyPath, idStr, spender string
	fs.StringVar(&keyPath, "key", "", "owner keystore")
	fs.StringVar(&idStr, "id", "", "deed id")
	fs.StringVar(&spender, "spender", "", "address allowed to move the deed; empty clears")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseID("--id", idStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if spender = strings.TrimSpace(spender); spender != "" {
		if _, err := crypto.ParseDeedAddress(spender); err != nil {
			return printError(stderr, fmt.Sprintf("invalid --spender: %v", err))
		}
	}
	signer, err := loadSigner(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, err := rpcCall("deed_approve", map[string]interface{}{"id": id, "spender": spender}, signer)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runDeedTransfer(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deed transfer", stderr)
	var keyPath, idStr, from, to string
	fs.StringVar(&keyPath, "key", "", "keystore of the owner or approved spender")
	fs.StringVar(&idStr, "id", "", "deed id")
	fs.StringVar(&from, "from", "", "current owner (defaults to the signer)")
	fs.StringVar(&to, "to", "", "recipient address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseID("--id", idStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return printError(stderr, "--to is required")
	}
	if _, err := crypto.ParseDeedAddress(to); err != nil {
		return printError(stderr, fmt.Sprintf("invalid --to: %v", err))
	}
	signer, err := loadSigner(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if from = strings.TrimSpace(from); from == "" {
		from = signer.PubKey().Address().String()
	}
	params := map[string]interface{}{"id": id, "from": from, "to": to}
	result, err := rpcCall("deed_transfer", params, signer)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runDeedRead(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var idStr string
	fs.StringVar(&idStr, "id", "", "deed id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseID("--id", idStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, err := rpcCall(method, map[string]interface{}{"id": id}, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

func parseID(flagName, value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("%s is required", flagName)
	}
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%s must be a positive integer", flagName)
	}
	return id, nil
}

func deedUsage() string {
	return strings.TrimSpace(`Usage:
  deed-cli deed <command> [flags]

Commands:
  mint      Mint a deed to the seller (--key, --uri)
  approve   Approve a spender for a deed (--key, --id, --spender)
  transfer  Transfer a deed (--key, --id, --to, [--from])
  owner     Show the owner of a deed (--id)
  get       Show a deed record (--id)
`)
}
