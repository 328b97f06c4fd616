package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"deedledger/crypto"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var (
		out   string
		force bool
	)
	fs.StringVar(&out, "out", "", "path of the keystore file to create")
	fs.BoolVar(&force, "force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return printError(stderr, "--out is required")
	}
	if !force {
		if _, err := os.Stat(out); err == nil {
			return printError(stderr, fmt.Sprintf("%s already exists; pass --force to overwrite", out))
		} else if !errors.Is(err, os.ErrNotExist) {
			return printError(stderr, err.Error())
		}
	}
	pass, err := keystorePass.New()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := generateSigner()
	if err != nil {
		return printError(stderr, fmt.Sprintf("generate key: %v", err))
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printError(stderr, fmt.Sprintf("write keystore: %v", err))
	}
	fmt.Fprintf(stdout, "Address: %s\nKeystore: %s\n", key.PubKey().Address().String(), out)
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	var keyPath string
	fs.StringVar(&keyPath, "key", "", "keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadSigner(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var address string
	fs.StringVar(&address, "address", "", "bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if address == "" && fs.NArg() == 1 {
		address = fs.Arg(0)
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return printError(stderr, "--address is required")
	}
	if _, err := crypto.ParseDeedAddress(address); err != nil {
		return printError(stderr, fmt.Sprintf("invalid --address: %v", err))
	}
	result, err := rpcCall("account_getBalance", map[string]interface{}{"address": address}, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeRPCResult(stdout, result)
	return 0
}

// loadSigner decrypts the keystore at path with the shared passphrase source.
func loadSigner(path string) (*crypto.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("--key is required")
	}
	pass, err := keystorePass.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", path, err)
	}
	return key, nil
}
