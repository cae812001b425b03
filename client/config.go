package client

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bitrise-io/go-objtransfer/download"
	"github.com/bitrise-io/go-objtransfer/emerge"
	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/session"
	"github.com/bitrise-io/go-objtransfer/transfer"
	"github.com/bitrise-io/go-objtransfer/wire/b2http"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvKeyID               = "B2_APPLICATION_KEY_ID"
	EnvApplicationKey      = "B2_APPLICATION_KEY"
	EnvRealm               = "B2_REALM"
	EnvMaxWorkers          = "OBJTRANSFER_MAX_WORKERS"
	EnvMaxPartsInFlight    = "OBJTRANSFER_MAX_PARTS_IN_FLIGHT"
	EnvMaxDownloadStreams  = "OBJTRANSFER_MAX_DOWNLOAD_STREAMS"
	EnvDownloadMinPartSize = "OBJTRANSFER_DOWNLOAD_MIN_PART_SIZE"
	EnvCheckDownloadHash   = "OBJTRANSFER_CHECK_DOWNLOAD_HASH"
	EnvDecodeContent       = "OBJTRANSFER_DECODE_CONTENT"
)

// Config holds configuration for the client.
type Config struct {
	Credentials session.Credentials

	// MaxWorkers is the size of the worker pool shared by every upload of the client.
	// Default: transfer.DefaultConcurrency()
	MaxWorkers int

	// MaxPartsInFlight limits the parts of a single large file being transferred at once.
	// Default: 8
	MaxPartsInFlight int

	// StreamBufferCount is the number of buffers an unbound stream may hold.
	// Default: 2
	StreamBufferCount int

	// StreamBufferTimeout is how long reading an unbound stream waits for a free buffer.
	// Default: 1 hour
	StreamBufferTimeout time.Duration

	Transfer transfer.Config
	Download download.Config

	// Registerer receives the transfer metrics. A private registry is used when nil.
	Registerer prometheus.Registerer
}

// DefaultConfig returns the default configuration without credentials.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:          transfer.DefaultConcurrency(),
		MaxPartsInFlight:    emerge.DefaultMaxPartsInFlight,
		StreamBufferCount:   outbound.DefaultStreamBufferCount,
		StreamBufferTimeout: outbound.DefaultStreamBufferTimeout,
		Transfer:            transfer.DefaultConfig(),
		Download:            download.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = transfer.DefaultConcurrency()
	}
	if c.MaxPartsInFlight <= 0 {
		c.MaxPartsInFlight = emerge.DefaultMaxPartsInFlight
	}
	if c.StreamBufferCount <= 0 {
		c.StreamBufferCount = outbound.DefaultStreamBufferCount
	}
	if c.StreamBufferTimeout <= 0 {
		c.StreamBufferTimeout = outbound.DefaultStreamBufferTimeout
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	return c
}

// ConfigFromEnv reads the credentials and the tunables from the environment. Unset tunables
// keep their default values.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := DefaultConfig()

	keyID := envRepo.Get(EnvKeyID)
	if keyID == "" {
		return Config{}, fmt.Errorf("the secret '%s' is not defined", EnvKeyID)
	}
	applicationKey := envRepo.Get(EnvApplicationKey)
	if applicationKey == "" {
		return Config{}, fmt.Errorf("the secret '%s' is not defined", EnvApplicationKey)
	}
	config.Credentials = session.Credentials{
		RealmURL:       b2http.RealmURL(envRepo.Get(EnvRealm)),
		KeyID:          keyID,
		ApplicationKey: applicationKey,
	}

	var err error
	if config.MaxWorkers, err = intFromEnv(envRepo, EnvMaxWorkers, config.MaxWorkers); err != nil {
		return Config{}, err
	}
	if config.MaxPartsInFlight, err = intFromEnv(envRepo, EnvMaxPartsInFlight, config.MaxPartsInFlight); err != nil {
		return Config{}, err
	}
	if config.Download.MaxStreams, err = intFromEnv(envRepo, EnvMaxDownloadStreams, config.Download.MaxStreams); err != nil {
		return Config{}, err
	}
	if value := envRepo.Get(EnvDownloadMinPartSize); value != "" {
		size, err := units.RAMInBytes(value)
		if err != nil || size <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", EnvDownloadMinPartSize, value)
		}
		config.Download.MinPartSize = size
	}
	if config.Download.CheckHash, err = boolFromEnv(envRepo, EnvCheckDownloadHash, config.Download.CheckHash); err != nil {
		return Config{}, err
	}
	if config.Download.DecodeContent, err = boolFromEnv(envRepo, EnvDecodeContent, config.Download.DecodeContent); err != nil {
		return Config{}, err
	}

	return config, nil
}

func intFromEnv(envRepo env.Repository, key string, fallback int) (int, error) {
	value := envRepo.Get(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q is not a positive number", key, value)
	}
	return n, nil
}

func boolFromEnv(envRepo env.Repository, key string, fallback bool) (bool, error) {
	value := envRepo.Get(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, value)
	}
	return b, nil
}
