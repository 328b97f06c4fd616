package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"deedledger/crypto"
)

const (
	envEnvironment = "DEED_ENV"
	envRPCToken    = "DEED_RPC_TOKEN"
)

type Config struct {
	ListenAddress          string         `toml:"ListenAddress"`
	DataDir                string         `toml:"DataDir"`
	Environment            string         `toml:"Environment"`
	CancellationPolicyFile string         `toml:"CancellationPolicyFile"`
	EventLogPath           string         `toml:"EventLogPath"`
	RPCReadHeaderTimeout   int            `toml:"RPCReadHeaderTimeout"`
	RPCReadTimeout         int            `toml:"RPCReadTimeout"`
	RPCWriteTimeout        int            `toml:"RPCWriteTimeout"`
	RPCIdleTimeout         int            `toml:"RPCIdleTimeout"`
	RPCMaxBodyBytes        int64          `toml:"RPCMaxBodyBytes"`
	RPCRateLimitPerSecond  float64        `toml:"RPCRateLimitPerSecond"`
	RPCRateLimitBurst      int            `toml:"RPCRateLimitBurst"`
	RPCSignatureSkew       int            `toml:"RPCSignatureSkew"`
	RPCTrustProxyHeaders   bool           `toml:"RPCTrustProxyHeaders"`
	RPCBearerToken         string         `toml:"RPCBearerToken,omitempty"`
	Roles                  Roles          `toml:"roles"`
	Genesis                []GenesisAlloc `toml:"genesis"`
	Telemetry              Telemetry      `toml:"telemetry"`
}

// Load loads the configuration from the given path, writing a development
// default when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
		cfg.applyEnv()
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./deed-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if c.RPCReadHeaderTimeout <= 0 {
		c.RPCReadHeaderTimeout = 5
	}
	if c.RPCReadTimeout <= 0 {
		c.RPCReadTimeout = 15
	}
	if c.RPCWriteTimeout <= 0 {
		c.RPCWriteTimeout = 15
	}
	if c.RPCIdleTimeout <= 0 {
		c.RPCIdleTimeout = 60
	}
	if c.RPCMaxBodyBytes <= 0 {
		c.RPCMaxBodyBytes = 1 << 20
	}
	if c.RPCRateLimitPerSecond <= 0 {
		c.RPCRateLimitPerSecond = 20
	}
	if c.RPCRateLimitBurst <= 0 {
		c.RPCRateLimitBurst = 40
	}
	if c.RPCSignatureSkew <= 0 {
		c.RPCSignatureSkew = 120
	}
	if c.Genesis == nil {
		c.Genesis = []GenesisAlloc{}
	}
}

func (c *Config) applyEnv() {
	if env := strings.TrimSpace(os.Getenv(envEnvironment)); env != "" {
		c.Environment = env
	}
	if token := strings.TrimSpace(os.Getenv(envRPCToken)); token != "" {
		c.RPCBearerToken = token
	}
}

// createDefault creates and saves a development configuration. Fresh keys are
// generated for the seller, inspector and lender and stored next to the
// config file in keystores with an empty passphrase.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:          ":8080",
		DataDir:                "./deed-data",
		Environment:            "dev",
		CancellationPolicyFile: "",
		EventLogPath:           "",
	}
	cfg.applyDefaults()

	dir := filepath.Dir(path)
	addresses := make(map[string]string, 3)
	for _, role := range []string{"seller", "inspector", "lender"} {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		keystorePath := filepath.Join(dir, role+".keystore")
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return nil, err
		}
		addresses[role] = key.PubKey().Address().String()
	}
	cfg.Roles = Roles{
		Seller:    addresses["seller"],
		Inspector: addresses["inspector"],
		Lender:    addresses["lender"],
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
