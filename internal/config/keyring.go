package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// KeyringEntry binds a bcrypt API key hash to the principal it authenticates.
type KeyringEntry struct {
	Principal string `mapstructure:"principal"`
	// Hash is the bcrypt hash of the full key
	Hash string `mapstructure:"hash"`
	// Prefix is the non-secret leading part of the key, used to narrow lookups
	Prefix string `mapstructure:"prefix"`
}

type keyringFile struct {
	Keys []KeyringEntry `mapstructure:"keys"`
}

// LoadKeyring reads an API key keyring file of the form
//
//	keys:
//	  - principal: OwnerA
//	    prefix: grp_4f2a9c
//	    hash: $2a$12$...
func LoadKeyring(path string) ([]KeyringEntry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading keyring file: %w", err)
	}
	return decodeKeyring(v)
}

func decodeKeyring(v *viper.Viper) ([]KeyringEntry, error) {
	var kf keyringFile
	if err := v.Unmarshal(&kf); err != nil {
		return nil, fmt.Errorf("error unmarshaling keyring: %w", err)
	}
	for i, e := range kf.Keys {
		if e.Principal == "" {
			return nil, fmt.Errorf("keyring entry %d: principal is required", i)
		}
		if e.Hash == "" {
			return nil, fmt.Errorf("keyring entry %d: hash is required", i)
		}
	}
	return kf.Keys, nil
}

// WatchKeyring loads the keyring at path, hands it to onChange, and calls
// onChange again every time the file is rewritten. A rewrite that fails to
// parse is logged and the previous keyring stays in effect.
func WatchKeyring(path string, onChange func([]KeyringEntry)) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading keyring file: %w", err)
	}
	entries, err := decodeKeyring(v)
	if err != nil {
		return err
	}
	onChange(entries)

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		entries, err := decodeKeyring(v)
		if err != nil {
			slog.Error("keyring reload failed", "path", e.Name, "error", err)
			return
		}
		slog.Info("keyring reloaded", "path", e.Name, "keys", len(entries))
		onChange(entries)
	})
	v.WatchConfig()
	return nil
}
