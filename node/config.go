package node

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config is the node's on-disk configuration, unmarshalled from
// <root>/config (spec §6). Plain JSON struct, no config framework, the way
// the teacher repository's own tools read their settings.
type Config struct {
	Addresses AddressesConfig `json:"Addresses"`
	Bootstrap []string        `json:"Bootstrap"`
}

type AddressesConfig struct {
	Swarm   []string `json:"Swarm"`
	API     string   `json:"API"`
	Gateway string   `json:"Gateway"`
}

// DefaultConfig matches the address conventions of a freshly initialized
// kubo-family repository.
func DefaultConfig() Config {
	return Config{
		Addresses: AddressesConfig{
			Swarm:   []string{"/ip4/0.0.0.0/tcp/4001"},
			API:     "/ip4/127.0.0.1/tcp/5001",
			Gateway: "/ip4/127.0.0.1/tcp/8080",
		},
	}
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func SaveConfig(path string, c Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
