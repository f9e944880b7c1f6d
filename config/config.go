// Package config reads the YAML configuration shared by the tamperlog
// commands and turns it into key material and logger options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/karasz/tamperlog"
	"github.com/karasz/tamperlog/keystore"
	"gopkg.in/yaml.v3"
)

// KeyStore locates a private key. Passwords of the form ${VAR} are read
// from the environment.
type KeyStore struct {
	Path          string `yaml:"path" validate:"required"`
	Alias         string `yaml:"alias"`
	StorePassword string `yaml:"store_password"`
	KeyPassword   string `yaml:"key_password"`
}

// Signing is the checkpoint signing key and its digest.
type Signing struct {
	KeyStore `yaml:",inline"`
	Hash     string `yaml:"hash" validate:"omitempty,hashalg"`
}

// Reference selects the trusted location. Kind "dir" uses Config.TrustedDir.
type Reference struct {
	Kind string `yaml:"kind" validate:"required,oneof=dir sqlite http"`
	DSN  string `yaml:"dsn" validate:"required_if=Kind sqlite"`
	URL  string `yaml:"url" validate:"required_if=Kind http"`
}

// Logging controls the command's own diagnostic output.
type Logging struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"omitempty,oneof=text json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"omitempty,min=1"`
	MaxBackups int    `yaml:"max_backups"`
}

// Config is the on-disk configuration.
type Config struct {
	Signing             Signing    `yaml:"signing"`
	Encrypting          KeyStore   `yaml:"encrypting"`
	ViewingCertificates []string   `yaml:"viewing_certificates" validate:"dive,required"`
	LogDir              string     `yaml:"log_dir" validate:"required"`
	TrustedDir          string     `yaml:"trusted_dir"`
	Reference           *Reference `yaml:"reference"`
	Cipher              string     `yaml:"cipher" validate:"omitempty,ciphersuite"`
	Iterations          uint32     `yaml:"iterations" validate:"omitempty,min=1000"`
	MinRSABits          int        `yaml:"min_rsa_bits" validate:"omitempty,min=1024"`
	Logging             Logging    `yaml:"logging"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("hashalg", func(fl validator.FieldLevel) bool {
		_, err := tamperlog.ParseHashAlgorithm(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("ciphersuite", func(fl validator.FieldLevel) bool {
		_, err := tamperlog.ParseCipherSuite(fl.Field().String())
		return err == nil
	})
	return v
}

// Load reads and validates the file at path. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if (c.Reference == nil || c.Reference.Kind == "dir") && c.TrustedDir == "" {
		return errors.New("trusted_dir: field is required for a directory reference")
	}
	if c.Reference != nil && c.Reference.Kind == "http" {
		if u, err := url.Parse(c.Reference.URL); err != nil || u.Host == "" {
			return fmt.Errorf("reference.url: invalid URL %q", c.Reference.URL)
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	e := verrs[0]
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	field = strings.ReplaceAll(field, ".KeyStore", "")
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Errorf("%s: field is required", field)
	case "min":
		return fmt.Errorf("%s: must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s]", field, e.Param())
	case "hashalg":
		return fmt.Errorf("%s: unknown hash algorithm %q", field, e.Value())
	case "ciphersuite":
		return fmt.Errorf("%s: unknown cipher suite %q", field, e.Value())
	}
	return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
}

func (k KeyStore) store() keystore.Store {
	return keystore.Store{
		Path:          k.Path,
		Alias:         k.Alias,
		StorePassword: expandSecret(k.StorePassword),
		KeyPassword:   expandSecret(k.KeyPassword),
	}
}

// expandSecret resolves a value written entirely as ${VAR}.
func expandSecret(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// HashAlgorithm returns the configured digest, SHA256 by default.
func (c *Config) HashAlgorithm() (tamperlog.HashAlgorithm, error) {
	if c.Signing.Hash == "" {
		return tamperlog.SHA256, nil
	}
	return tamperlog.ParseHashAlgorithm(c.Signing.Hash)
}

// KeyMaterial loads every configured key and validates the set.
func (c *Config) KeyMaterial() (*tamperlog.KeyMaterial, error) {
	alg, err := c.HashAlgorithm()
	if err != nil {
		return nil, err
	}
	sk, err := keystore.LoadSigningKeyPair(c.Signing.store(), alg)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	ek, err := keystore.LoadEncryptingKeyPair(c.Encrypting.store())
	if err != nil {
		return nil, fmt.Errorf("encrypting key: %w", err)
	}
	var viewers []tamperlog.ViewingCertificate
	for _, path := range c.ViewingCertificates {
		vc, err := keystore.LoadViewingCertificate(path)
		if err != nil {
			return nil, err
		}
		viewers = append(viewers, vc)
	}
	return tamperlog.NewKeyMaterial(sk, ek, viewers, c.MinRSABits)
}

// ReferenceStore opens the configured trusted location. The returned
// function releases it.
func (c *Config) ReferenceStore() (tamperlog.ReferenceStore, func() error, error) {
	noop := func() error { return nil }
	if c.Reference == nil || c.Reference.Kind == "dir" {
		d, err := tamperlog.NewDirReference(c.TrustedDir)
		return d, noop, err
	}
	switch c.Reference.Kind {
	case "sqlite":
		s, err := tamperlog.OpenSQLiteReference(c.Reference.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open sqlite reference: %w", err)
		}
		return s, s.Close, nil
	case "http":
		return tamperlog.NewHTTPReference(c.Reference.URL), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown reference kind %q", c.Reference.Kind)
}

// Options builds SecureLogger options for the named log. The returned
// function releases the reference store once the logger is closed.
func (c *Config) Options(name string) (tamperlog.Options, func() error, error) {
	km, err := c.KeyMaterial()
	if err != nil {
		return tamperlog.Options{}, nil, err
	}
	ref, release, err := c.ReferenceStore()
	if err != nil {
		return tamperlog.Options{}, nil, err
	}
	opts := tamperlog.Options{
		Name:       name,
		LogDir:     c.LogDir,
		TrustedDir: c.TrustedDir,
		Reference:  ref,
		Keys:       km,
		Iterations: c.Iterations,
	}
	opts.Hash, _ = c.HashAlgorithm()
	if c.Cipher != "" {
		opts.Cipher, _ = tamperlog.ParseCipherSuite(c.Cipher)
	}
	return opts, release, nil
}
