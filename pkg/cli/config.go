/*
Package cli facilitates building command-line applications that authenticate peers. It defines a
[Config] type that can be used to register common command-line flags (using the Golang flag
package), environment variable equivalents, and an optional YAML configuration file.

The package uses [keyring]'s platform-agnostic interface for storing sensitive values (identity
keys and session secrets) in an OS-dependent credential store.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags(flag.CommandLine) // Adds flags for identities, key stores, etc.
	flag.Parse()
	config.ReadFromEnvironment()  // Fills in missing fields using environment variables
	config.ReadFromFile()         // Fills in remaining fields from $PEERAUTH_CONFIG, if set
	config.LoadCredentials()      // Prompt for keyring or key store passwords if needed

	store, err := config.OpenStore()
	if err != nil {
		panic(err)
	}
	defer store.Close()

	auth, err := config.Authenticator(listener, store, prometheus.DefaultRegisterer)

Alternatively, you can use a [Flag] mask to control what [Config] fields are populated. Note that
config.Flags must be set before calling [Config.RegisterCommandLineFlags] or
[Config.ReadFromEnvironment]:

	config, err = NewConfig(FlagStore) // Only key store options; no identity is loaded.
	config, err = NewConfig(FlagIdentity | FlagMechanisms)
*/
package cli

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/meshbus/peerauth/internal/log"
	"github.com/meshbus/peerauth/pkg/authenticator"
	"github.com/meshbus/peerauth/pkg/broker"
	"github.com/meshbus/peerauth/pkg/keystore"
	"github.com/meshbus/peerauth/pkg/mechanism"
	"github.com/meshbus/peerauth/pkg/protocol"
)

var knownMechanisms = []string{
	mechanism.NameECDSA,
	mechanism.NameSPEKE,
	mechanism.NamePSK,
	mechanism.NameAnonymous,
}

// MechanismList is used to translate mechanisms provided at the command line into mechanism
// names.
type MechanismList []string

// Set updates a MechanismList from a command-line argument. Comma-separated lists are accepted.
func (m *MechanismList) Set(value string) error {
	for _, name := range strings.Split(value, ",") {
		canonicalName := strings.ToUpper(strings.TrimSpace(name))
		if canonicalName == "" {
			continue
		}
		known := false
		for _, k := range knownMechanisms {
			if k == canonicalName {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown mechanism '%s'", name)
		}
		*m = append(*m, canonicalName)
	}
	return nil
}

func (m *MechanismList) String() string {
	return strings.Join(*m, ",")
}

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvConfigFile      = "PEERAUTH_CONFIG"
	EnvLocalID         = "PEERAUTH_LOCAL_ID"
	EnvKeyName         = "PEERAUTH_KEY_NAME"
	EnvKeyFile         = "PEERAUTH_KEY_FILE"
	EnvCertFile        = "PEERAUTH_CERT_FILE"
	EnvStoreFile       = "PEERAUTH_STORE_FILE"
	EnvStorePassword   = "PEERAUTH_STORE_PASSWORD"
	EnvStoreKeyring    = "PEERAUTH_STORE_KEYRING"
	EnvMechanisms      = "PEERAUTH_MECHANISMS"
	EnvEnablePSK       = "PEERAUTH_ENABLE_PSK"
	EnvKeyringType     = "PEERAUTH_KEYRING_TYPE"
	EnvKeyringPass     = "PEERAUTH_KEYRING_PASSWORD"
	EnvKeyringPath     = "PEERAUTH_KEYRING_PATH"
	EnvKeyringDebug    = "PEERAUTH_KEYRING_DEBUG"
	EnvLogLevel        = "PEERAUTH_LOG_LEVEL"
	EnvSessionTimeout  = "PEERAUTH_SESSION_TIMEOUT"
	EnvAttemptCap      = "PEERAUTH_ATTEMPT_CAP"
	EnvAttemptCoolDown = "PEERAUTH_COOL_DOWN"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagIdentity   Flag = 1 // Enable identity key and certificate options. Required for ECDSA.
	FlagStore      Flag = 2 // Enable key store options.
	FlagMechanisms Flag = 4 // Enable mechanism selection and coordinator tuning options.
	FlagAll        Flag = FlagIdentity | FlagStore | FlagMechanisms
)

var (
	ErrNoKeySpecified  = errors.New("identity key location not provided")
	ErrNoCertificate   = errors.New("identity certificate not provided")
	ErrKeyNotFound     = keyring.ErrKeyNotFound
	ErrConflictingKeys = errors.New("identity key does not match certificate")
)

// Config fields determine how an application identifies itself and where it keeps session
// secrets.
type Config struct {
	Flags          Flag   // Controls which set of environment variables/CLI flags to use.
	ConfigFilename string // YAML file consulted by ReadFromFile
	LocalID        string // Identity presented to peers; bound into SPEKE
	KeyringKeyName string // Name of the identity in the system keyring
	KeyFilename    string
	CertFilename   string
	StoreFilename  string
	StoreInKeyring bool // Keep session secrets in the system keyring rather than a file
	Backend        keyring.Config
	BackendType    backendType
	Debug          bool // Enable keyring debug messages
	LogLevel       string

	Mechanisms     MechanismList
	EnablePSK      bool
	AttemptCap     int
	CoolDown       time.Duration
	SessionTimeout time.Duration
	RateLimit      float64
	RateBurst      int

	password      *string
	storePassword *string
	identity      *mechanism.Identity
}

// NewConfig returns a Config that exposes the options selected by flags.
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

// RegisterCommandLineFlags adds c's options to set. Pass flag.CommandLine for standalone
// programs; cobra programs can bridge set with pflag's AddGoFlagSet.
func (c *Config) RegisterCommandLineFlags(set *flag.FlagSet) {
	set.StringVar(&c.ConfigFilename, "config", "", "YAML configuration `file`. Defaults to $PEERAUTH_CONFIG.")
	set.StringVar(&c.LogLevel, "log-level", "", "Log `level` (none|error|warning|info|debug). Defaults to $PEERAUTH_LOG_LEVEL.")
	set.StringVar(&c.LocalID, "id", "", "Identity `name` presented to peers. Defaults to $PEERAUTH_LOCAL_ID.")
	if c.Flags.isSet(FlagIdentity) {
		set.StringVar(&c.KeyringKeyName, "key-name", "", "System keyring `name` for identity key and certificate. Defaults to $PEERAUTH_KEY_NAME.")
		set.StringVar(&c.KeyFilename, "key-file", "", "A `file` containing the identity private key. Defaults to $PEERAUTH_KEY_FILE.")
		set.StringVar(&c.CertFilename, "cert-file", "", "A `file` containing the identity certificate chain. Defaults to $PEERAUTH_CERT_FILE.")
	}
	if c.Flags.isSet(FlagStore) {
		set.StringVar(&c.StoreFilename, "store", "", "Session secret store `file`. Defaults to $PEERAUTH_STORE_FILE.")
		set.BoolVar(&c.StoreInKeyring, "store-keyring", false, "Keep session secrets in the system keyring")
	}
	if c.Flags.isSet(FlagMechanisms) {
		set.Var(&c.Mechanisms, "mechanism", "Mechanisms to enable (can be repeated; omit for ECDSA,SPEKE,ANON)")
		set.BoolVar(&c.EnablePSK, "enable-psk", false, "Enable the deprecated PSK mechanism")
		set.IntVar(&c.AttemptCap, "attempt-cap", 0, "Consecutive failures before a mechanism is suspended for a peer")
		set.DurationVar(&c.CoolDown, "cool-down", 0, "How long a suspended mechanism stays suspended")
		set.DurationVar(&c.SessionTimeout, "session-timeout", 0, "Deadline for a single mechanism attempt")
		set.Float64Var(&c.RateLimit, "rate-limit", 0, "Conversations per second permitted per peer (0 disables)")
		set.IntVar(&c.RateBurst, "rate-burst", 1, "Burst size for -rate-limit")
	}
	if c.Flags.isSet(FlagIdentity) || c.Flags.isSet(FlagStore) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		set.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $PEERAUTH_KEYRING_TYPE.")
		set.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		set.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// LoadCredentials opens the identity and key store ahead of time, prompting for passwords if
// needed, so that interactive prompts do not count against handshake timeouts.
func (c *Config) LoadCredentials() error {
	if c.Flags.isSet(FlagIdentity) && (c.KeyFilename != "" || c.KeyringKeyName != "") {
		if _, err := c.Identity(); err != nil {
			return err
		}
	}
	if c.Flags.isSet(FlagStore) && c.StoreFilename != "" && c.storePassword == nil {
		if _, err := c.storePassphrase(); err != nil {
			return err
		}
	}
	return nil
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.ConfigFilename == "" {
		c.ConfigFilename = os.Getenv(EnvConfigFile)
	}
	if c.LogLevel == "" {
		c.LogLevel = os.Getenv(EnvLogLevel)
	}
	c.applyLogLevel()
	if c.LocalID == "" {
		c.LocalID = os.Getenv(EnvLocalID)
		log.Debug("Set local identity to '%s'", c.LocalID)
	}
	if c.Flags.isSet(FlagIdentity) {
		if c.KeyringKeyName == "" && c.KeyFilename == "" {
			c.KeyringKeyName = os.Getenv(EnvKeyName)
			log.Debug("Set key name to '%s'", c.KeyringKeyName)

			c.KeyFilename = os.Getenv(EnvKeyFile)
			log.Debug("Set key file to '%s'", c.KeyFilename)
		}
		if c.CertFilename == "" {
			c.CertFilename = os.Getenv(EnvCertFile)
			log.Debug("Set certificate file to '%s'", c.CertFilename)
		}
	}
	if c.Flags.isSet(FlagStore) {
		if c.StoreFilename == "" && !c.StoreInKeyring {
			c.StoreFilename = os.Getenv(EnvStoreFile)
			log.Debug("Set store file to '%s'", c.StoreFilename)
			_, c.StoreInKeyring = os.LookupEnv(EnvStoreKeyring)
		}
		if c.storePassword == nil {
			if password, ok := os.LookupEnv(EnvStorePassword); ok {
				c.storePassword = &password
				log.Debug("Set store password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
	}
	if c.Flags.isSet(FlagMechanisms) {
		if len(c.Mechanisms) == 0 {
			if err := c.Mechanisms.Set(os.Getenv(EnvMechanisms)); err != nil {
				log.Warning("Ignoring %s: %s", EnvMechanisms, err)
			}
		}
		if !c.EnablePSK {
			_, c.EnablePSK = os.LookupEnv(EnvEnablePSK)
		}
		if c.AttemptCap == 0 {
			c.AttemptCap, _ = strconv.Atoi(os.Getenv(EnvAttemptCap))
		}
		if c.CoolDown == 0 {
			c.CoolDown, _ = time.ParseDuration(os.Getenv(EnvAttemptCoolDown))
		}
		if c.SessionTimeout == 0 {
			c.SessionTimeout, _ = time.ParseDuration(os.Getenv(EnvSessionTimeout))
		}
	}
	if c.Flags.isSet(FlagIdentity) || c.Flags.isSet(FlagStore) {
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
}

func (c *Config) applyLogLevel() {
	if c.LogLevel == "" {
		return
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Warning("Ignoring log level: %s", err)
		return
	}
	log.SetLevel(level)
}

// fileConfig is the layout of the YAML configuration file.
type fileConfig struct {
	LocalID  string `yaml:"id"`
	LogLevel string `yaml:"logLevel"`
	Identity struct {
		KeyName  string `yaml:"keyName"`
		KeyFile  string `yaml:"keyFile"`
		CertFile string `yaml:"certFile"`
	} `yaml:"identity"`
	Store struct {
		File    string `yaml:"file"`
		Keyring *bool  `yaml:"keyring"`
	} `yaml:"store"`
	Keyring struct {
		Type string `yaml:"type"`
		Dir  string `yaml:"dir"`
	} `yaml:"keyring"`
	Authentication struct {
		Mechanisms     []string      `yaml:"mechanisms"`
		EnablePSK      *bool         `yaml:"enablePSK"`
		AttemptCap     int           `yaml:"attemptCap"`
		CoolDown       time.Duration `yaml:"coolDown"`
		SessionTimeout time.Duration `yaml:"sessionTimeout"`
		RateLimit      float64       `yaml:"rateLimit"`
		RateBurst      int           `yaml:"rateBurst"`
	} `yaml:"authentication"`
}

// ReadFromFile fills fields that are still unset from the YAML file named by c.ConfigFilename. It
// does nothing if no file is configured.
func (c *Config) ReadFromFile() error {
	if c.ConfigFilename == "" {
		return nil
	}
	f, err := os.Open(c.ConfigFilename)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.ReadYAML(f)
}

// ReadYAML fills fields that are still unset from a YAML document.
func (c *Config) ReadYAML(r io.Reader) error {
	var parsed fileConfig
	if err := yaml.NewDecoder(r).Decode(&parsed); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid configuration file: %w", err)
	}
	c.merge(&parsed)
	return nil
}

func (c *Config) merge(src *fileConfig) {
	setString := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	setString(&c.LocalID, src.LocalID)
	if c.LogLevel == "" && src.LogLevel != "" {
		c.LogLevel = src.LogLevel
		c.applyLogLevel()
	}
	if c.Flags.isSet(FlagIdentity) && c.KeyFilename == "" && c.KeyringKeyName == "" {
		c.KeyFilename = src.Identity.KeyFile
		c.KeyringKeyName = src.Identity.KeyName
	}
	if c.Flags.isSet(FlagIdentity) {
		setString(&c.CertFilename, src.Identity.CertFile)
	}
	if c.Flags.isSet(FlagStore) && c.StoreFilename == "" && !c.StoreInKeyring {
		c.StoreFilename = src.Store.File
		if src.Store.Keyring != nil {
			c.StoreInKeyring = *src.Store.Keyring
		}
	}
	if c.Flags.isSet(FlagIdentity) || c.Flags.isSet(FlagStore) {
		if c.BackendType.String() == string(keyring.InvalidBackend) && src.Keyring.Type != "" {
			if err := c.BackendType.Set(src.Keyring.Type); err != nil {
				log.Warning("Ignoring keyring type: %s", err)
			}
		}
		setString(&c.Backend.FileDir, src.Keyring.Dir)
	}
	if c.Flags.isSet(FlagMechanisms) {
		a := &src.Authentication
		if len(c.Mechanisms) == 0 && len(a.Mechanisms) > 0 {
			if err := c.Mechanisms.Set(strings.Join(a.Mechanisms, ",")); err != nil {
				log.Warning("Ignoring mechanisms: %s", err)
			}
		}
		if !c.EnablePSK && a.EnablePSK != nil {
			c.EnablePSK = *a.EnablePSK
		}
		if c.AttemptCap == 0 {
			c.AttemptCap = a.AttemptCap
		}
		if c.CoolDown == 0 {
			c.CoolDown = a.CoolDown
		}
		if c.SessionTimeout == 0 {
			c.SessionTimeout = a.SessionTimeout
		}
		if c.RateLimit == 0 {
			c.RateLimit = a.RateLimit
			if a.RateBurst > 0 {
				c.RateBurst = a.RateBurst
			}
		}
	}
}

// Identity loads the identity key and certificate chain from the locations specified in c.
//
// The identity is cached after it is first loaded, and subsequent calls will always return the
// same identity.
func (c *Config) Identity() (*mechanism.Identity, error) {
	if c.identity != nil {
		return c.identity, nil
	}
	if !c.Flags.isSet(FlagIdentity) {
		log.Debug("Skipping identity loading because FlagIdentity is not set")
		return nil, ErrNoKeySpecified
	}
	if c.KeyFilename == "" && c.KeyringKeyName == "" {
		return nil, ErrNoKeySpecified
	}

	var (
		skey  *ecdsa.PrivateKey
		chain []*x509.Certificate
		err   error
	)
	if c.KeyFilename != "" {
		if skey, err = protocol.LoadPrivateKey(c.KeyFilename); err != nil {
			return nil, err
		}
	}
	if skey == nil && c.KeyringKeyName != "" {
		if skey, chain, err = c.LoadIdentityFromKeyring(); err != nil {
			return nil, err
		}
	}
	if c.CertFilename != "" {
		pemChain, err := os.ReadFile(c.CertFilename)
		if err != nil {
			return nil, err
		}
		if chain, err = protocol.ParseCertificateChainPEM(pemChain); err != nil {
			return nil, err
		}
	}
	if len(chain) == 0 {
		return nil, ErrNoCertificate
	}
	leaf, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok || !leaf.Equal(&skey.PublicKey) {
		return nil, ErrConflictingKeys
	}
	log.Debug("Identity fingerprint: %s", protocol.Fingerprint(&skey.PublicKey))
	c.identity = &mechanism.Identity{Key: skey, Chain: chain}
	return c.identity, nil
}

// SaveIdentity writes skey and chain to the system keyring or files, depending on what options are
// configured. The method prefers the keyring if both options are available.
func (c *Config) SaveIdentity(skey *ecdsa.PrivateKey, chain []*x509.Certificate) error {
	if c.KeyringKeyName != "" {
		return c.saveIdentityToKeyring(skey, chain)
	}
	if c.KeyFilename == "" {
		return ErrNoKeySpecified
	}
	if err := protocol.SavePrivateKey(skey, c.KeyFilename); err != nil {
		return err
	}
	if c.CertFilename != "" {
		return os.WriteFile(c.CertFilename, protocol.EncodeCertificateChainPEM(chain), 0644)
	}
	return nil
}

func (c *Config) storePassphrase() ([]byte, error) {
	if c.storePassword != nil {
		return []byte(*c.storePassword), nil
	}
	// New stores are created in plaintext unless $PEERAUTH_STORE_PASSWORD is set.
	encrypted, err := keystore.IsEncryptedFile(c.StoreFilename)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	password := ""
	if encrypted {
		if password, err = PromptPassword("Key store password for " + c.StoreFilename); err != nil {
			return nil, err
		}
	}
	c.storePassword = &password
	return []byte(password), nil
}

// OpenStore opens the session secret store described by c: the system keyring, a file, or,
// if neither is configured, memory.
func (c *Config) OpenStore(options ...keystore.Option) (*keystore.Store, error) {
	switch {
	case c.StoreInKeyring:
		kr, err := c.openKeyring()
		if err != nil {
			return nil, err
		}
		return keystore.Open(keystore.NewKeyringBackend(kr), options...)
	case c.StoreFilename != "":
		passphrase, err := c.storePassphrase()
		if err != nil {
			return nil, err
		}
		backend, err := keystore.OpenFile(c.StoreFilename, passphrase)
		if err != nil {
			return nil, err
		}
		return keystore.Open(backend, options...)
	}
	log.Debug("No key store configured; secrets are kept in memory")
	return keystore.OpenMemory(options...), nil
}

// Registry returns the mechanisms enabled by c.
func (c *Config) Registry() *mechanism.Registry {
	return mechanism.DefaultRegistry(c.Mechanisms, c.EnablePSK)
}

// AuthenticatorConfig returns the coordinator settings described by c. The identity, if
// configured, is used by ECDSA when the listener supplies no certificate.
func (c *Config) AuthenticatorConfig(listener broker.Listener, store *keystore.Store, reg prometheus.Registerer) (authenticator.Config, error) {
	cfg := authenticator.Config{
		Listener:       listener,
		Store:          store,
		Registry:       c.Registry(),
		LocalID:        c.LocalID,
		AttemptCap:     c.AttemptCap,
		CoolDown:       c.CoolDown,
		SessionTimeout: c.SessionTimeout,
		RateLimit:      c.RateLimit,
		RateBurst:      c.RateBurst,
		Registerer:     reg,
	}
	if c.Flags.isSet(FlagIdentity) && (c.KeyFilename != "" || c.KeyringKeyName != "") {
		identity, err := c.Identity()
		if err != nil {
			return cfg, err
		}
		cfg.Identity = identity
	}
	return cfg, nil
}

// Authenticator builds an authenticator that reports to listener and stores secrets in store.
func (c *Config) Authenticator(listener broker.Listener, store *keystore.Store, reg prometheus.Registerer) (*authenticator.Authenticator, error) {
	cfg, err := c.AuthenticatorConfig(listener, store, reg)
	if err != nil {
		return nil, err
	}
	return authenticator.New(cfg)
}
