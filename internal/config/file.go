package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML overlay shape. Only a subset of knobs make sense
// in a file; secrets stay in the environment.
type fileConfig struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Gateway struct {
		URL        string   `yaml:"url"`
		MirrorURLs []string `yaml:"mirror_urls"`
	} `yaml:"gateway"`
	Upload struct {
		MaxDataItemSize int64    `yaml:"max_data_item_size"`
		FreeUploadLimit int64    `yaml:"free_upload_limit"`
		AllowListed     []string `yaml:"allow_listed_addresses"`
		BlockListed     []string `yaml:"blocklisted_addresses"`
	} `yaml:"upload"`
	Bundling struct {
		MaxBundleSize         int64               `yaml:"max_bundle_size"`
		MaxDataItemsPerBundle int                 `yaml:"max_data_items_per_bundle"`
		DedicatedOwners       map[string][]string `yaml:"dedicated_owners"`
	} `yaml:"bundling"`
	Receipt struct {
		DataCaches          []string `yaml:"data_caches"`
		FastFinalityIndexes []string `yaml:"fast_finality_indexes"`
	} `yaml:"receipt"`
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Server.Port != "" {
		cfg.Server.Port = fc.Server.Port
	}
	if len(fc.Server.AllowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = fc.Server.AllowedOrigins
	}
	if fc.Gateway.URL != "" {
		cfg.Gateway.URL = fc.Gateway.URL
	}
	if len(fc.Gateway.MirrorURLs) > 0 {
		cfg.Gateway.MirrorURLs = fc.Gateway.MirrorURLs
	}
	if fc.Upload.MaxDataItemSize > 0 {
		cfg.Upload.MaxDataItemSize = fc.Upload.MaxDataItemSize
	}
	if fc.Upload.FreeUploadLimit > 0 {
		cfg.Upload.FreeUploadLimit = fc.Upload.FreeUploadLimit
	}
	if len(fc.Upload.AllowListed) > 0 {
		cfg.Upload.AllowListedAddresses = fc.Upload.AllowListed
	}
	if len(fc.Upload.BlockListed) > 0 {
		cfg.Upload.BlockListedAddresses = fc.Upload.BlockListed
	}
	if fc.Bundling.MaxBundleSize > 0 {
		cfg.Bundling.MaxBundleSize = fc.Bundling.MaxBundleSize
	}
	if fc.Bundling.MaxDataItemsPerBundle > 0 {
		cfg.Bundling.MaxDataItemsPerBundle = fc.Bundling.MaxDataItemsPerBundle
	}
	if len(fc.Bundling.DedicatedOwners) > 0 {
		cfg.Bundling.DedicatedOwners = fc.Bundling.DedicatedOwners
	}
	if len(fc.Receipt.DataCaches) > 0 {
		cfg.Receipt.DataCaches = fc.Receipt.DataCaches
	}
	if len(fc.Receipt.FastFinalityIndexes) > 0 {
		cfg.Receipt.FastFinalityIndexes = fc.Receipt.FastFinalityIndexes
	}
	return nil
}
