package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"deedledger/crypto"
	"deedledger/native/escrow"
)

// Validate checks role addresses, genesis allocations and RPC limits.
func (c *Config) Validate() error {
	if _, err := c.EscrowRoles(); err != nil {
		return err
	}
	if _, err := c.GenesisBalances(); err != nil {
		return err
	}
	if c.RPCRateLimitPerSecond <= 0 || c.RPCRateLimitBurst <= 0 {
		return fmt.Errorf("rpc: rate limit must be positive")
	}
	if c.RPCSignatureSkew <= 0 {
		return fmt.Errorf("rpc: signature skew must be positive")
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry: endpoint required when enabled")
	}
	return nil
}

// EscrowRoles decodes the configured parties.
func (c *Config) EscrowRoles() (escrow.Roles, error) {
	var roles escrow.Roles
	fields := []struct {
		name  string
		value string
		dst   *[20]byte
	}{
		{"seller", c.Roles.Seller, &roles.Seller},
		{"inspector", c.Roles.Inspector, &roles.Inspector},
		{"lender", c.Roles.Lender, &roles.Lender},
	}
	for _, f := range fields {
		addr, err := crypto.ParseDeedAddress(strings.TrimSpace(f.value))
		if err != nil {
			return roles, fmt.Errorf("roles.%s: %w", f.name, err)
		}
		*f.dst = addr
	}
	if err := roles.Validate(); err != nil {
		return roles, fmt.Errorf("roles: %w", err)
	}
	return roles, nil
}

// GenesisBalances parses the genesis allocations. Balances must fit in 256
// bits, addresses may appear once and the escrow vault is never funded.
func (c *Config) GenesisBalances() (map[[20]byte]*big.Int, error) {
	out := make(map[[20]byte]*big.Int, len(c.Genesis))
	vault := escrow.VaultAddress()
	for i, alloc := range c.Genesis {
		addr, err := crypto.ParseDeedAddress(strings.TrimSpace(alloc.Address))
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		if addr == vault {
			return nil, fmt.Errorf("genesis[%d]: %s is the escrow vault", i, alloc.Address)
		}
		if _, dup := out[addr]; dup {
			return nil, fmt.Errorf("genesis[%d]: duplicate address %s", i, alloc.Address)
		}
		amount, err := uint256.FromDecimal(strings.TrimSpace(alloc.Balance))
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: balance %q: %w", i, alloc.Balance, err)
		}
		out[addr] = amount.ToBig()
	}
	return out, nil
}
