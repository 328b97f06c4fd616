package config

// Roles names the fixed parties of the ledger as bech32 addresses.
type Roles struct {
	Seller    string `toml:"Seller"`
	Inspector string `toml:"Inspector"`
	Lender    string `toml:"Lender"`
}

// GenesisAlloc credits an account when the data directory is first
// initialised.
type GenesisAlloc struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
}
