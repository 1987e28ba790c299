package gateway

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"hedge-core/internal/state"
	"hedge-core/pkg/crypto"
	"hedge-core/pkg/errs"
)

// Credentials authenticate one account on one platform.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Testnet   bool   `json:"testnet"`
	// BaseURL overrides the venue endpoint.
	BaseURL string `json:"base_url,omitempty"`
}

// String never reveals the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{api_key:%s testnet:%t}", redact(c.APIKey), c.Testnet)
}

func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Str("api_key", redact(c.APIKey)).Bool("testnet", c.Testnet)
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

// CredentialStore reads and writes <root>/<account>/<platform>.json. Each
// (account, platform) pair has its own file under its own account directory.
type CredentialStore struct {
	root string
	keys *crypto.KeyManager
}

// NewCredentialStore creates a store. keys may be nil, in which case secrets
// are written in plaintext and sealed values cannot be opened.
func NewCredentialStore(root string, keys *crypto.KeyManager) *CredentialStore {
	return &CredentialStore{root: root, keys: keys}
}

// Path returns the credential file of account on platform.
func (s *CredentialStore) Path(account, platform string) string {
	return filepath.Join(s.root, account, platform+".json")
}

// Read loads and opens the credentials of account on platform.
func (s *CredentialStore) Read(account, platform string) (Credentials, error) {
	if err := validPair(account, platform); err != nil {
		return Credentials{}, err
	}
	raw, err := os.ReadFile(s.Path(account, platform))
	if errors.Is(err, fs.ErrNotExist) {
		return Credentials{}, errs.New(errs.CodePlatformNotConfigured,
			errs.WithMessage("no credential file"),
			errs.WithDetail("account", account), errs.WithDetail("platform", platform))
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}, errs.New(errs.CodeCredentialsInvalid,
			errs.WithMessage("credential file is not valid JSON"), errs.WithCause(err),
			errs.WithDetail("account", account), errs.WithDetail("platform", platform))
	}
	if c.APIKey, err = s.open(c.APIKey); err != nil {
		return Credentials{}, s.sealErr(account, platform, err)
	}
	if c.APISecret, err = s.open(c.APISecret); err != nil {
		return Credentials{}, s.sealErr(account, platform, err)
	}
	return c, nil
}

// Write stores credentials, sealing both values when a key manager is set.
func (s *CredentialStore) Write(account, platform string, c Credentials) error {
	if err := validPair(account, platform); err != nil {
		return err
	}
	out := c
	if s.keys != nil {
		var err error
		if out.APIKey, err = s.keys.Encrypt(c.APIKey); err != nil {
			return fmt.Errorf("seal api key: %w", err)
		}
		if out.APISecret, err = s.keys.Encrypt(c.APISecret); err != nil {
			return fmt.Errorf("seal api secret: %w", err)
		}
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Join(s.root, account)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp := s.Path(account, platform) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Rename(tmp, s.Path(account, platform))
}

// Delete removes a credential file. A missing file is not an error.
func (s *CredentialStore) Delete(account, platform string) error {
	if err := validPair(account, platform); err != nil {
		return err
	}
	err := os.Remove(s.Path(account, platform))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Pair names one credential file.
type Pair struct {
	Account  string
	Platform string
}

// List returns every (account, platform) pair with a credential file.
func (s *CredentialStore) List() ([]Pair, error) {
	accounts, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Pair
	for _, a := range accounts {
		if !a.IsDir() || state.ValidateAccountID(a.Name()) != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, a.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			out = append(out, Pair{Account: a.Name(), Platform: strings.TrimSuffix(name, ".json")})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Platform < out[j].Platform
	})
	return out, nil
}

func (s *CredentialStore) open(v string) (string, error) {
	if !crypto.IsSealed(v) {
		return v, nil
	}
	if s.keys == nil {
		return "", errors.New("value is sealed but no encryption key is configured")
	}
	return s.keys.Decrypt(v)
}

func (s *CredentialStore) sealErr(account, platform string, err error) error {
	return errs.New(errs.CodeCredentialsInvalid,
		errs.WithMessage("cannot open sealed credential"),
		errs.WithRemediation("configure MASTER_ENCRYPTION_KEY with the key version used to seal the file"),
		errs.WithCause(err),
		errs.WithDetail("account", account), errs.WithDetail("platform", platform))
}

func validPair(account, platform string) error {
	if err := state.ValidateAccountID(account); err != nil {
		return err
	}
	if platform == "" || strings.ContainsAny(platform, `/\.`) {
		return errs.New(errs.CodeInvalidParameter, errs.WithMessage("invalid platform name"), errs.WithDetail("platform", platform))
	}
	return nil
}
