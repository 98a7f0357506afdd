package config

import (
	"fmt"
)

type StorageType string

const (
	StorageTypeNone   StorageType = "none"   // No publish journal
	StorageTypeMemory StorageType = "memory" // In-memory (using BuntDB)
	StorageTypeBuntDB StorageType = "buntdb" // Persistent BuntDB file
)

// StorageConfig selects the backend of the publish journal.
type StorageConfig struct {
	Type StorageType `toml:"type"`

	// BuntDB specific config
	BuntDB *BuntDBConfig `toml:"buntdb"`
}

type BuntDBConfig struct {
	Path string `toml:"path"` // empty or ":memory:" for in-memory
}

// Validate ensures the storage configuration is valid
func (sc StorageConfig) Validate() error {
	switch sc.Type {
	case StorageTypeNone, StorageTypeMemory:
		return nil

	case StorageTypeBuntDB:
		if sc.BuntDB == nil {
			return fmt.Errorf("BuntDB config is required for BuntDB storage type")
		}
		return nil

	case "":
		return fmt.Errorf("storage type not specified")

	default:
		return fmt.Errorf("unknown storage type: %s", sc.Type)
	}
}
