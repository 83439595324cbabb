// Package config handles the XDG configuration directory and config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// AppName is the application directory name.
	AppName = "chaintodo"

	// ConfigFile is the configuration filename.
	ConfigFile = "config.toml"

	// KeystoreDir is the default keystore directory name.
	KeystoreDir = "keystore"

	// DevchainDir is the default devchain data directory name.
	DevchainDir = "devchain"
)

// Backends.
const (
	BackendEthereum = "ethereum"
	BackendDevchain = "devchain"
)

// RPC authentication modes.
const (
	AuthNone          = "none"
	AuthBearer        = "bearer"
	AuthOAuth2        = "oauth2"
	AuthGoogle        = "google"
	AuthGoogleIDToken = "google-idtoken"
)

// Environment overrides.
const (
	EnvRPCURL     = "CHAINTODO_RPC_URL"
	EnvContract   = "CHAINTODO_CONTRACT"
	EnvPassphrase = "CHAINTODO_PASSPHRASE"
)

// ErrInvalid is returned for a malformed or inconsistent configuration.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds configuration paths and settings.
type Config struct {
	// Dir is the configuration directory path.
	Dir string `toml:"-"`

	// Debug enables debug logging.
	Debug bool `toml:"-"`

	// Quiet suppresses informational output.
	Quiet bool `toml:"-"`

	Backend   string `toml:"backend"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Ethereum EthereumConfig `toml:"ethereum"`
	Devchain DevchainConfig `toml:"devchain"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// EthereumConfig configures the ethereum backend.
type EthereumConfig struct {
	RPCURL          string `toml:"rpc_url"`
	ContractAddress string `toml:"contract_address"`

	// ChainID, if set, is the chain the contract is expected on.
	ChainID string `toml:"chain_id"`

	// KeystoreDir defaults to <Dir>/keystore.
	KeystoreDir string `toml:"keystore_dir"`

	// Account selects a keystore account; the first one if empty.
	Account string `toml:"account"`

	PassphraseFile string `toml:"passphrase_file"`

	// Passphrase comes from CHAINTODO_PASSPHRASE only.
	Passphrase string `toml:"-"`

	ConfirmTimeout      Duration `toml:"confirm_timeout"`
	NetworkPollInterval Duration `toml:"network_poll_interval"`

	Auth AuthConfig `toml:"auth"`
}

// AuthConfig configures authentication towards the RPC endpoint.
type AuthConfig struct {
	Mode         string   `toml:"mode"`
	Token        string   `toml:"token"`
	TokenURL     string   `toml:"token_url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	Scopes       []string `toml:"scopes"`
	Audience     string   `toml:"audience"`

	// CredentialsFile is a Google credentials JSON for the google modes;
	// application default credentials are used if empty.
	CredentialsFile string `toml:"credentials_file"`
}

// DevchainConfig configures the in-process development ledger.
type DevchainConfig struct {
	// DataDir defaults to <Dir>/devchain.
	DataDir       string   `toml:"data_dir"`
	DBBackend     string   `toml:"db_backend"`
	BlockInterval Duration `toml:"block_interval"`
	Account       string   `toml:"account"`
}

// MetricsConfig configures the prometheus endpoint of the watch command.
type MetricsConfig struct {
	// ListenAddr is empty to disable the endpoint.
	ListenAddr string `toml:"listen_addr"`
	Namespace  string `toml:"namespace"`
}

// New creates a new Config with defaults and the default or specified
// config directory. If configDir is empty, uses XDG_CONFIG_HOME/chaintodo
// or $HOME/.config/chaintodo.
func New(configDir string) (*Config, error) {
	dir := configDir
	if dir == "" {
		dir = DefaultConfigDir()
	}
	return &Config{
		Dir:       dir,
		Backend:   BackendDevchain,
		LogLevel:  "error",
		LogFormat: "plain",
		Ethereum: EthereumConfig{
			RPCURL:              "http://127.0.0.1:8545",
			ConfirmTimeout:      Duration{2 * time.Minute},
			NetworkPollInterval: Duration{5 * time.Second},
			Auth:                AuthConfig{Mode: AuthNone},
		},
		Devchain: DevchainConfig{
			DBBackend:     "goleveldb",
			BlockInterval: Duration{time.Second},
			Account:       "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		},
		Metrics: MetricsConfig{
			Namespace: AppName,
		},
	}, nil
}

// Load creates a Config as New does, then applies config.toml if it
// exists and the environment overrides, and validates the result.
func Load(configDir string) (*Config, error) {
	cfg, err := New(configDir)
	if err != nil {
		return nil, err
	}

	md, err := toml.DecodeFile(cfg.FilePath(), cfg)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, cfg.FilePath(), err)
	default:
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("%w: %s: unknown keys: %s", ErrInvalid, cfg.FilePath(), strings.Join(keys, ", "))
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRPCURL); v != "" {
		c.Ethereum.RPCURL = v
	}
	if v := os.Getenv(EnvContract); v != "" {
		c.Ethereum.ContractAddress = v
	}
	if v := os.Getenv(EnvPassphrase); v != "" {
		c.Ethereum.Passphrase = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "plain", "json":
	default:
		return fmt.Errorf("%w: log_format %q: want plain or json", ErrInvalid, c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}

	switch c.Backend {
	case BackendEthereum:
		return c.Ethereum.validate()
	case BackendDevchain:
		return c.Devchain.validate()
	default:
		return fmt.Errorf("%w: backend %q: want %s or %s", ErrInvalid, c.Backend, BackendEthereum, BackendDevchain)
	}
}

func (e *EthereumConfig) validate() error {
	if e.RPCURL == "" {
		return fmt.Errorf("%w: ethereum.rpc_url is required", ErrInvalid)
	}
	if e.ContractAddress == "" {
		return fmt.Errorf("%w: ethereum.contract_address is required (or set %s)", ErrInvalid, EnvContract)
	}
	if !common.IsHexAddress(e.ContractAddress) {
		return fmt.Errorf("%w: ethereum.contract_address %q is not a hex address", ErrInvalid, e.ContractAddress)
	}
	if e.Account != "" && !common.IsHexAddress(e.Account) {
		return fmt.Errorf("%w: ethereum.account %q is not a hex address", ErrInvalid, e.Account)
	}
	if e.ConfirmTimeout.Duration <= 0 {
		return fmt.Errorf("%w: ethereum.confirm_timeout must be positive", ErrInvalid)
	}
	if e.NetworkPollInterval.Duration <= 0 {
		return fmt.Errorf("%w: ethereum.network_poll_interval must be positive", ErrInvalid)
	}
	return e.Auth.validate()
}

func (a *AuthConfig) validate() error {
	switch a.Mode {
	case "", AuthNone, AuthGoogle:
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("%w: ethereum.auth.token is required for mode %s", ErrInvalid, a.Mode)
		}
	case AuthOAuth2:
		if a.TokenURL == "" || a.ClientID == "" {
			return fmt.Errorf("%w: ethereum.auth.token_url and client_id are required for mode %s", ErrInvalid, a.Mode)
		}
	case AuthGoogleIDToken:
		if a.Audience == "" {
			return fmt.Errorf("%w: ethereum.auth.audience is required for mode %s", ErrInvalid, a.Mode)
		}
	default:
		return fmt.Errorf("%w: ethereum.auth.mode %q", ErrInvalid, a.Mode)
	}
	return nil
}

func (d *DevchainConfig) validate() error {
	switch d.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("%w: devchain.db_backend %q: want goleveldb or memdb", ErrInvalid, d.DBBackend)
	}
	if d.BlockInterval.Duration <= 0 {
		return fmt.Errorf("%w: devchain.block_interval must be positive", ErrInvalid)
	}
	if d.Account != "" && !common.IsHexAddress(d.Account) {
		return fmt.Errorf("%w: devchain.account %q is not a hex address", ErrInvalid, d.Account)
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory.
// Uses XDG_CONFIG_HOME if set, otherwise $HOME/.config.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home can't be determined
		return AppName
	}
	return filepath.Join(home, ".config", AppName)
}

// FilePath returns the path to config.toml.
func (c *Config) FilePath() string {
	return filepath.Join(c.Dir, ConfigFile)
}

// KeystorePath returns the keystore directory.
func (c *Config) KeystorePath() string {
	if c.Ethereum.KeystoreDir != "" {
		return c.Ethereum.KeystoreDir
	}
	return filepath.Join(c.Dir, KeystoreDir)
}

// DevchainPath returns the devchain data directory.
func (c *Config) DevchainPath() string {
	if c.Devchain.DataDir != "" {
		return c.Devchain.DataDir
	}
	return filepath.Join(c.Dir, DevchainDir)
}

// EnsureDir creates the config directory if it doesn't exist.
// Directory is created with mode 0700.
func (c *Config) EnsureDir() error {
	return os.MkdirAll(c.Dir, 0700)
}

// HasFile checks if config.toml exists.
func (c *Config) HasFile() bool {
	_, err := os.Stat(c.FilePath())
	return err == nil
}

// Passphrase returns the keystore passphrase from the environment or
// passphrase_file. ok is false if neither is set.
func (c *Config) Passphrase() (passphrase string, ok bool, err error) {
	if c.Ethereum.Passphrase != "" {
		return c.Ethereum.Passphrase, true, nil
	}
	if c.Ethereum.PassphraseFile == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(c.Ethereum.PassphraseFile)
	if err != nil {
		return "", false, fmt.Errorf("failed to read passphrase file: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), true, nil
}

// Masked returns a copy with secrets replaced, for display.
func (c *Config) Masked() *Config {
	out := *c
	out.Ethereum.Auth.Scopes = append([]string(nil), c.Ethereum.Auth.Scopes...)
	if out.Ethereum.Auth.Token != "" {
		out.Ethereum.Auth.Token = "********"
	}
	if out.Ethereum.Auth.ClientSecret != "" {
		out.Ethereum.Auth.ClientSecret = "********"
	}
	out.Ethereum.Passphrase = ""
	return &out
}

// Encode returns c as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const fileHeader = `# chaintodo configuration.
#
# backend selects the ledger: "devchain" runs an in-process development
# chain under data_dir; "ethereum" talks to a TodoList contract over
# JSON-RPC. The environment variables CHAINTODO_RPC_URL,
# CHAINTODO_CONTRACT and CHAINTODO_PASSPHRASE override the file.
#
# [ethereum.auth] mode is one of none, bearer, oauth2, google or
# google-idtoken.

`

// WriteDefault writes a config.toml with default values. It refuses to
// overwrite an existing file.
func (c *Config) WriteDefault() error {
	if err := c.EnsureDir(); err != nil {
		return err
	}
	defaults, err := New(c.Dir)
	if err != nil {
		return err
	}
	body, err := defaults.Encode()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(c.FilePath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(fileHeader); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
