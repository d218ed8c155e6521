package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/range-sharding/resharder/pkg/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadResharderCfgYaml(t *testing.T) {
	assert := assert.New(t)

	path := writeFile(t, "config.yaml", `
log_level: debug
qdb_type: etcd
qdb_addr: localhost:2379
copier:
  chunk_rows: 256
  reader_parallelism: 2
player:
  lag_threshold: 5
differ:
  max_drift_rows: 3
`)

	_, err := config.LoadResharderCfg(path)
	assert.NoError(err)

	cfg := config.ResharderConfig()
	assert.Equal("debug", cfg.LogLevel)
	assert.Equal("etcd", cfg.QdbType)
	assert.Equal("localhost:2379", cfg.QdbAddr)
	assert.Equal(256, cfg.Copier.ChunkRows)
	assert.Equal(2, cfg.Copier.ReaderParallelism)
	assert.Equal(uint64(5), cfg.Player.LagThreshold)
	assert.Equal(uint64(3), cfg.Differ.MaxDriftRows)

	// unset values fall back to defaults
	assert.Equal(500, cfg.Player.BatchSize)
	assert.Equal(30*time.Second, cfg.Cutover.HealthTimeout)
}

func TestLoadResharderCfgToml(t *testing.T) {
	assert := assert.New(t)

	path := writeFile(t, "config.toml", `
log_level = "info"
qdb_type = "mem"
memqdb_backup_path = "/tmp/memqdb.json"

[copier]
chunk_rows = 128
`)

	_, err := config.LoadResharderCfg(path)
	assert.NoError(err)

	cfg := config.ResharderConfig()
	assert.Equal("mem", cfg.QdbType)
	assert.Equal("/tmp/memqdb.json", cfg.MemqdbBackupPath)
	assert.Equal(128, cfg.Copier.ChunkRows)
}

func TestLoadResharderCfgUnknownSuffix(t *testing.T) {
	assert := assert.New(t)

	path := writeFile(t, "config.conf", "log_level = info")
	_, err := config.LoadResharderCfg(path)
	assert.Error(err)
}

func TestShardDataConnStrings(t *testing.T) {
	assert := assert.New(t)

	connect := &config.ShardConnect{
		Hosts:    []string{"host1:5432", "host2:5433"},
		DB:       "shard",
		User:     "resharder",
		Password: "secret",
	}
	strs, err := connect.GetConnStrings()
	assert.NoError(err)
	assert.Len(strs, 2)
	assert.Equal("user=resharder host=host1 port=5432 dbname=shard password=secret", strs[0])
	assert.Equal("user=resharder host=host2 port=5433 dbname=shard password=secret", strs[1])

	connect.Hosts = []string{"host-without-port"}
	_, err = connect.GetConnStrings()
	assert.Error(err)
}

func TestLoadShardDataCfg(t *testing.T) {
	assert := assert.New(t)

	path := writeFile(t, "shards.yaml", `
shards:
  sh1:
    hosts:
      - host1:5432
    db: shard1
    usr: resharder
    pwd: secret
`)

	cfg, err := config.LoadShardDataCfg(path)
	assert.NoError(err)
	assert.Len(cfg.ShardsData, 1)
	assert.Equal("shard1", cfg.ShardsData["sh1"].DB)
}
