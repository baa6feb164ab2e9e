// Package keygen prints key material for operating and testing town: a
// sealing key for the house-auth keyring, or a fresh ceremony reveal.
package keygen

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/elizatown/town/internal/services/house/ceremony"
	"github.com/elizatown/town/internal/services/house/keyseal"
)

const (
	KindSealing = "sealing"
	KindReveal  = "reveal"
)

// Config holds configuration for key generation.
type Config struct {
	Kind  string
	Bytes int
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Kind: KindSealing, Bytes: 32}
	fs.StringVar(&cfg.Kind, "kind", cfg.Kind, "material to generate: sealing or reveal")
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "sealing key size in bytes (at least 32)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the material and writes it to out as env-style lines.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	switch cfg.Kind {
	case KindSealing:
		return writeSealingKey(cfg.Bytes, out, reader)
	case KindReveal:
		return writeReveal(out, reader)
	default:
		return fmt.Errorf("unknown kind %q", cfg.Kind)
	}
}

func writeSealingKey(size int, out io.Writer, reader io.Reader) error {
	if size < 32 {
		return errors.New("bytes must be at least 32")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "%s=%s\n", keyseal.EnvKey, hex.EncodeToString(buf))
	return err
}

// writeReveal prints a solo ceremony reveal, its commit and the house id the
// reveal derives.
func writeReveal(out io.Writer, reader io.Reader) error {
	reveal := make([]byte, ceremony.RevealSize)
	if _, err := io.ReadFull(reader, reveal); err != nil {
		return fmt.Errorf("generate reveal: %w", err)
	}
	keys, err := ceremony.DeriveFromReveals(reveal)
	if err != nil {
		return fmt.Errorf("derive keys: %w", err)
	}
	defer keys.Zero()
	_, err = fmt.Fprintf(out, "REVEAL=%s\nCOMMIT=%s\nHOUSE_ID=%s\n",
		hex.EncodeToString(reveal), ceremony.CommitFor(reveal), keys.HouseID)
	return err
}
