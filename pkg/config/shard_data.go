package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/range-sharding/resharder/pkg/reshlog"
)

type ShardDataConnections struct {
	ShardsData map[string]*ShardConnect `json:"shards" toml:"shards" yaml:"shards"`
}

type ShardConnect struct {
	Hosts    []string `json:"hosts" toml:"hosts" yaml:"hosts"`
	DB       string   `json:"db" toml:"db" yaml:"db"`
	User     string   `json:"usr" toml:"usr" yaml:"usr"`
	Password string   `json:"pwd" toml:"pwd" yaml:"pwd"`
}

func LoadShardDataCfg(cfgPath string) (*ShardDataConnections, error) {
	var cfg ShardDataConnections
	file, err := os.Open(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("could not open file \"%s\": %s", cfgPath, err)
	}

	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			log.Fatalf("failed to close config file: %v", err)
		}
	}(file)

	if err := initConfig(file, &cfg); err != nil {
		return &cfg, err
	}

	configBytes, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return &cfg, err
	}

	reshlog.Zero.Debug().Str("config", string(configBytes)).Msg("loaded shard data config")

	return &cfg, nil
}

// GetConnStrings generates pgx connection strings for every host of the shard.
// Hosts must carry an explicit port.
func (s *ShardConnect) GetConnStrings() ([]string, error) {
	res := make([]string, len(s.Hosts))
	for i, host := range s.Hosts {
		address, port, ok := strings.Cut(host, ":")
		if !ok || port == "" {
			return nil, fmt.Errorf("shard host \"%s\" has no port", host)
		}
		res[i] = fmt.Sprintf("user=%s host=%s port=%s dbname=%s password=%s", s.User, address, port, s.DB, s.Password)
	}
	return res, nil
}
