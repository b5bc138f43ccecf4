// Package kmskey generates key service keys for the identity service.
package kmskey

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/louisbranch/gamekeep/internal/services/identity/kms"
)

// Config holds configuration for key generation.
type Config struct {
	KeyID string
	// Existing is a current GAMEKEEP_KMS_KEYS value the new key is added to.
	Existing string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{KeyID: "handoff"}
	fs.StringVar(&cfg.KeyID, "key-id", cfg.KeyID, "id of the generated key")
	fs.StringVar(&cfg.Existing, "existing", cfg.Existing, "current key list to extend when rotating")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the key and writes the environment assignments selecting it
// to out. A nil generate uses kms.GenerateKey.
func Run(cfg Config, out io.Writer, generate func() (string, error)) error {
	if out == nil {
		return errors.New("output is required")
	}
	keyID := strings.TrimSpace(cfg.KeyID)
	if keyID == "" {
		return errors.New("key id is required")
	}
	if generate == nil {
		generate = kms.GenerateKey
	}
	secret, err := generate()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	entries := keyID + "=" + secret
	if existing := strings.Trim(strings.TrimSpace(cfg.Existing), ","); existing != "" {
		entries = existing + "," + entries
	}
	if _, err := kms.ParseKeys(entries); err != nil {
		return fmt.Errorf("validate key list: %w", err)
	}
	_, err = fmt.Fprintf(out, "GAMEKEEP_KMS_KEYS=%s\nGAMEKEEP_KMS_KEY_ID=%s\n", entries, keyID)
	return err
}
