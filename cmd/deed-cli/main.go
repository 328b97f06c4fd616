package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"deedledger/cmd/internal/passphrase"
	"deedledger/crypto"
	"deedledger/rpc"
)

const (
	envRPCURL       = "DEED_RPC_URL"
	envRPCToken     = "DEED_RPC_TOKEN"
	envKeystorePass = "DEED_KEYSTORE_PASS"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = os.Getenv(envRPCToken)
	rpcTimeout   = 15 * time.Second

	rpcCall        = callRPC
	keystorePass   = passphrase.NewSource(envKeystorePass, "keystore")
	generateSigner = crypto.GeneratePrivateKey
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "deed":
		return runDeedCommand(args[1:], stdout, stderr)
	case "escrow":
		return runEscrowCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultRPCEndpoint() string {
	if value := strings.TrimSpace(os.Getenv(envRPCURL)); value != "" {
		return value
	}
	return "http://localhost:8080"
}

// applyGlobalFlags strips --rpc and --token from anywhere in args.
func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc" || arg == "--token":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for %s", arg)
			}
			if arg == "--rpc" {
				rpcEndpoint = args[i+1]
			} else {
				rpcAuthToken = args[i+1]
			}
			i++
		case strings.HasPrefix(arg, "--rpc="):
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
		case strings.HasPrefix(arg, "--token="):
			rpcAuthToken = strings.TrimPrefix(arg, "--token=")
		default:
			out = append(out, arg)
		}
	}
	return out, nil
}

func callRPC(method string, params interface{}, signer *crypto.PrivateKey) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	client := &rpc.Client{
		Endpoint: rpcEndpoint,
		HTTP:     &http.Client{Timeout: rpcTimeout},
		Signer:   signer,
		Token:    rpcAuthToken,
	}
	var result json.RawMessage
	if err := client.Call(ctx, method, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		fmt.Fprintf(w, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		if rpcErr.Data != nil {
			if data, encErr := json.Marshal(rpcErr.Data); encErr == nil {
				fmt.Fprintf(w, "  %s\n", data)
			}
		}
		return 1
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  deed-cli [--rpc URL] [--token TOKEN] <command> [flags]

Commands:
  keygen   Create a new encrypted keystore
  address  Print the address stored in a keystore
  balance  Show the settlement balance of an address
  deed     Mint, approve, transfer and inspect deeds
  escrow   Drive a listing through settlement

Environment:
  DEED_RPC_URL        default endpoint (http://localhost:8080)
  DEED_RPC_TOKEN      bearer token for mutating calls
  DEED_KEYSTORE_PASS  keystore passphrase
`)
}
