// Package storage holds the object storage drivers artifacts are written to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store writes one object under key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

const (
	DriverR2         = "r2"
	DriverS3         = "s3"
	DriverBunny      = "bunny"
	DriverFilesystem = "filesystem"
)

var ErrUnknownDriver = errors.New("storage: unknown driver")

type Config struct {
	Driver string `yaml:"driver"`

	// r2 / s3
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// bunny
	UploadURL string `yaml:"upload_url"`
	APIKey    string `yaml:"api_key"`

	// filesystem
	Path string `yaml:"path"`

	PublicURL string `yaml:"public_url"`
}

func KnownDriver(name string) bool {
	switch strings.ToLower(name) {
	case DriverR2, DriverS3, DriverBunny, DriverFilesystem:
		return true
	}
	return false
}

// New builds the driver named by cfg.Driver.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverR2, DriverS3:
		return NewR2Store(ctx, cfg)
	case DriverBunny:
		return NewBunnyStore(cfg.UploadURL, cfg.APIKey, nil)
	case DriverFilesystem:
		return NewFileStore(cfg.Path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}
