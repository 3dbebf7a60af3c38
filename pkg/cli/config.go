/*
Package cli facilitates building command-line applications that synchronize
with a vehicle fleet. It defines a [Config] type that can register common
command-line flags (using the Golang flag package) and environment variable
equivalents.

The package uses [keyring]'s platform-agnostic interface for storing OAuth
credentials in an OS-dependent credential store.

# Examples

	import flag

	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for OAuth, etc.
	flag.Parse()
	config.ReadFromEnvironment() // Fills in missing fields using environment variables
	config.LoadCredentials()     // Prompt for keyring password if needed

	controller, err := config.Controller(fleet.Config{})
	if err != nil {
		panic(err)
	}

The controller persists rotated refresh tokens back to wherever the
credentials were loaded from, so long-running daemons survive token rotation
across restarts.
*/
package cli

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/99designs/keyring"

	"github.com/homefleet/teslasync/internal/log"
	"github.com/homefleet/teslasync/pkg/auth"
	"github.com/homefleet/teslasync/pkg/fleet"
)

// Environment variable names used by [Config.ReadFromEnvironment] to set
// common parameters.
const (
	EnvTeslaTokenName    = "TESLA_TOKEN_NAME"
	EnvTeslaTokenFile    = "TESLA_TOKEN_FILE"
	EnvTeslaVIN          = "TESLA_VIN"
	EnvTeslaKeyringType  = "TESLA_KEYRING_TYPE"
	EnvTeslaKeyringPass  = "TESLA_KEYRING_PASSWORD"
	EnvTeslaKeyringPath  = "TESLA_KEYRING_PATH"
	EnvTeslaKeyringDebug = "TESLA_KEYRING_DEBUG"
)

// Flag controls what options should be scanned from the command line and/or
// environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagVIN   Flag = 1 // Enable VIN option.
	FlagOAuth Flag = 2 // Enable OAuth options.
	FlagAll   Flag = FlagVIN | FlagOAuth
)

var (
	ErrNoCredentials = errors.New("credential location not provided")
	ErrKeyNotFound   = keyring.ErrKeyNotFound
)

// Config fields determine how a client authenticates to the fleet backend.
type Config struct {
	Flags            Flag   // Controls which set of environment variables/CLI flags to use.
	KeyringTokenName string // Username for OAuth credentials in system keyring
	VIN              string
	TokenFilename    string
	Backend          keyring.Config
	BackendType      backendType
	Debug            bool // Enable keyring debug messages

	password *string
	creds    *auth.Credentials
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	if c.Flags.isSet(FlagVIN) {
		flag.StringVar(&c.VIN, "vin", "", "Vehicle Identification Number. Defaults to $TESLA_VIN.")
	}
	if c.Flags.isSet(FlagOAuth) {
		flag.StringVar(&c.KeyringTokenName, "token-name", "", "System keyring `name` for OAuth credentials. Defaults to $TESLA_TOKEN_NAME.")
		flag.StringVar(&c.TokenFilename, "token-file", "", "`File` containing OAuth credentials. Defaults to $TESLA_TOKEN_FILE.")

		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $TESLA_KEYRING_TYPE.")
		flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// ReadFromEnvironment populates c using environment variables. Values that
// are already populated are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization
// method) will prevent the environment from overriding explicit command-line
// parameters and avoid potentially misleading debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagVIN) {
		if c.VIN == "" {
			c.VIN = os.Getenv(EnvTeslaVIN)
			log.Debug("Set VIN to '%s'", c.VIN)
		}
	}
	if c.Flags.isSet(FlagOAuth) {
		if c.KeyringTokenName == "" && c.TokenFilename == "" {
			c.KeyringTokenName = os.Getenv(EnvTeslaTokenName)
			log.Debug("Set OAuth token name to '%s'", c.KeyringTokenName)

			c.TokenFilename = os.Getenv(EnvTeslaTokenFile)
			log.Debug("Set OAuth token file to '%s'", c.TokenFilename)
		}
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvTeslaKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvTeslaKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvTeslaKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvTeslaKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
}

// LoadCredentials loads OAuth credentials from the configured location,
// prompting for a keyring password if needed. Call this method early to
// prevent interactive prompts from counting against timeouts.
func (c *Config) LoadCredentials() error {
	if !c.Flags.isSet(FlagOAuth) {
		return ErrNoCredentials
	}
	_, err := c.credentials()
	return err
}

// Credentials returns the loaded OAuth credentials, loading them first if
// needed.
func (c *Config) Credentials() (auth.Credentials, error) {
	creds, err := c.credentials()
	if err != nil {
		return auth.Credentials{}, err
	}
	return *creds, nil
}

func (c *Config) credentials() (*auth.Credentials, error) {
	if c.creds != nil {
		return c.creds, nil
	}
	if c.TokenFilename != "" {
		data, err := os.ReadFile(c.TokenFilename)
		if err == nil {
			creds, err := decodeCredentials(data)
			if err != nil {
				return nil, err
			}
			c.creds = creds
			return c.creds, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		// If the token file doesn't exist, fall through to trying to load
		// from the system keyring.
	}
	if c.KeyringTokenName == "" {
		return nil, ErrNoCredentials
	}
	data, err := c.loadTokenFromKeyring()
	if err != nil {
		return nil, err
	}
	creds, err := decodeCredentials(data)
	if err != nil {
		return nil, err
	}
	c.creds = creds
	return c.creds, nil
}

// decodeCredentials accepts either a JSON credentials document or a bare
// refresh token string, so tokens obtained from third-party tools can be
// pasted in directly.
func decodeCredentials(data []byte) (*auth.Credentials, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, ErrNoCredentials
	}
	if strings.HasPrefix(trimmed, "{") {
		var creds auth.Credentials
		if err := json.Unmarshal([]byte(trimmed), &creds); err != nil {
			return nil, fmt.Errorf("malformed credentials: %s", err)
		}
		if creds.RefreshToken == "" {
			return nil, fmt.Errorf("malformed credentials: missing refresh_token")
		}
		return &creds, nil
	}
	return &auth.Credentials{RefreshToken: trimmed}, nil
}

// SaveCredentials persists creds to the system keyring or file, depending on
// what options are configured. The method prefers the keyring if both
// options are available.
func (c *Config) SaveCredentials(creds auth.Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	c.creds = &creds
	if c.KeyringTokenName != "" {
		return c.saveTokenToKeyring(data)
	}
	if c.TokenFilename != "" {
		return os.WriteFile(c.TokenFilename, data, 0600)
	}
	return ErrNoCredentials
}

// Controller builds a [fleet.Controller] from the loaded credentials. Fields
// already set in cfg are preserved; the controller persists rotated refresh
// tokens through [Config.SaveCredentials].
func (c *Config) Controller(cfg fleet.Config) (*fleet.Controller, error) {
	creds, err := c.Credentials()
	if err != nil {
		return nil, err
	}
	if cfg.OnCredentials == nil {
		cfg.OnCredentials = func(updated auth.Credentials) {
			if err := c.SaveCredentials(updated); err != nil && !errors.Is(err, ErrNoCredentials) {
				log.Error("Failed to persist rotated credentials: %s", err)
			}
		}
	}
	return fleet.New(creds, cfg), nil
}
