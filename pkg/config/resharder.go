package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

var cfgResharder Resharder

type CopierCfg struct {
	ChunkRows         int           `json:"chunk_rows" toml:"chunk_rows" yaml:"chunk_rows"`
	ReaderParallelism int           `json:"reader_parallelism" toml:"reader_parallelism" yaml:"reader_parallelism"`
	RetryLimit        uint64        `json:"retry_limit" toml:"retry_limit" yaml:"retry_limit"`
	RetryBackoff      time.Duration `json:"retry_backoff" toml:"retry_backoff" yaml:"retry_backoff"`
}

type PlayerCfg struct {
	BatchSize    int           `json:"batch_size" toml:"batch_size" yaml:"batch_size"`
	LagThreshold uint64        `json:"lag_threshold" toml:"lag_threshold" yaml:"lag_threshold"`
	RetryLimit   uint64        `json:"retry_limit" toml:"retry_limit" yaml:"retry_limit"`
	RetryBackoff time.Duration `json:"retry_backoff" toml:"retry_backoff" yaml:"retry_backoff"`
}

type DifferCfg struct {
	ChunkRows    int    `json:"chunk_rows" toml:"chunk_rows" yaml:"chunk_rows"`
	MaxDriftRows uint64 `json:"max_drift_rows" toml:"max_drift_rows" yaml:"max_drift_rows"`
}

type CutoverCfg struct {
	LagThreshold  uint64        `json:"lag_threshold" toml:"lag_threshold" yaml:"lag_threshold"`
	HealthTimeout time.Duration `json:"health_timeout" toml:"health_timeout" yaml:"health_timeout"`
}

type Resharder struct {
	LogLevel string `json:"log_level" toml:"log_level" yaml:"log_level"`

	QdbType          string `json:"qdb_type" toml:"qdb_type" yaml:"qdb_type"`
	QdbAddr          string `json:"qdb_addr" toml:"qdb_addr" yaml:"qdb_addr"`
	MemqdbBackupPath string `json:"memqdb_backup_path" toml:"memqdb_backup_path" yaml:"memqdb_backup_path"`

	ShardDataCfg string `json:"shard_data" toml:"shard_data" yaml:"shard_data"`

	Copier  CopierCfg  `json:"copier" toml:"copier" yaml:"copier"`
	Player  PlayerCfg  `json:"player" toml:"player" yaml:"player"`
	Differ  DifferCfg  `json:"differ" toml:"differ" yaml:"differ"`
	Cutover CutoverCfg `json:"cutover" toml:"cutover" yaml:"cutover"`
}

// LoadResharderCfg loads the resharder configuration from the specified file path.
//
// Parameters:
//   - cfgPath (string): The path of the configuration file.
//
// Returns:
//   - string: JSON-formatted config
//   - error: An error if any occurred during the loading process.
func LoadResharderCfg(cfgPath string) (string, error) {
	var rcfg Resharder
	file, err := os.Open(cfgPath)
	if err != nil {
		cfgResharder = rcfg
		return "", err
	}
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			log.Fatalf("failed to close config file: %v", err)
		}
	}(file)

	if err := initConfig(file, &rcfg); err != nil {
		cfgResharder = rcfg
		return "", err
	}

	rcfg.fillDefaults()
	cfgResharder = rcfg

	configBytes, err := json.MarshalIndent(&cfgResharder, "", "  ")
	if err != nil {
		return "", err
	}

	return string(configBytes), nil
}

func (r *Resharder) fillDefaults() {
	if r.QdbType == "" {
		r.QdbType = "mem"
	}
	if r.Copier.ChunkRows <= 0 {
		r.Copier.ChunkRows = 1000
	}
	if r.Copier.ReaderParallelism <= 0 {
		r.Copier.ReaderParallelism = 4
	}
	if r.Copier.RetryLimit == 0 {
		r.Copier.RetryLimit = 5
	}
	if r.Copier.RetryBackoff <= 0 {
		r.Copier.RetryBackoff = 50 * time.Millisecond
	}
	if r.Player.BatchSize <= 0 {
		r.Player.BatchSize = 500
	}
	if r.Player.LagThreshold == 0 {
		r.Player.LagThreshold = 10
	}
	if r.Player.RetryLimit == 0 {
		r.Player.RetryLimit = 5
	}
	if r.Player.RetryBackoff <= 0 {
		r.Player.RetryBackoff = 50 * time.Millisecond
	}
	if r.Differ.ChunkRows <= 0 {
		r.Differ.ChunkRows = 1000
	}
	if r.Cutover.LagThreshold == 0 {
		r.Cutover.LagThreshold = 10
	}
	if r.Cutover.HealthTimeout <= 0 {
		r.Cutover.HealthTimeout = 30 * time.Second
	}
}

// ResharderConfig returns a pointer to the Resharder configuration.
//
// Returns:
//   - *Resharder: a pointer to the Resharder configuration.
func ResharderConfig() *Resharder {
	return &cfgResharder
}
