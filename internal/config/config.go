package config

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"example.com/lsm-engine/pkg/lsm"
)

// LoadOptions starts from lsm.DefaultOptions and applies LSM_* variables.
// envFile is loaded first when it exists; variables already set in the
// process environment take precedence over the file.
func LoadOptions(envFile string) (lsm.Options, error) {
	opts := lsm.DefaultOptions()
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return opts, errors.Wrapf(err, "load %s", envFile)
		}
	}

	if v, ok := os.LookupEnv("LSM_DIR"); ok && v != "" {
		opts.Dir = v
	}
	if v, ok := os.LookupEnv("LSM_FSYNC_POLICY"); ok && v != "" {
		opts.FsyncPolicy = v
	}
	var err error
	if opts.BlockSize, err = envInt("LSM_BLOCK_SIZE", opts.BlockSize); err != nil {
		return opts, err
	}
	if opts.TargetSstSize, err = envInt64("LSM_TARGET_SST_SIZE", opts.TargetSstSize); err != nil {
		return opts, err
	}
	if opts.NumMemTableLimit, err = envInt("LSM_NUM_MEMTABLE_LIMIT", opts.NumMemTableLimit); err != nil {
		return opts, err
	}
	if opts.EnableWAL, err = envBool("LSM_ENABLE_WAL", opts.EnableWAL); err != nil {
		return opts, err
	}
	if opts.Serializable, err = envBool("LSM_SERIALIZABLE", opts.Serializable); err != nil {
		return opts, err
	}
	if opts.BlockCacheSize, err = envInt("LSM_BLOCK_CACHE_SIZE", opts.BlockCacheSize); err != nil {
		return opts, err
	}
	if opts.BloomFpRate, err = envFloat("LSM_BLOOM_FP_RATE", opts.BloomFpRate); err != nil {
		return opts, err
	}
	return opts, nil
}

func envInt64(name string, def int64) (int64, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, errors.Wrapf(err, "config: %s", name)
	}
	return n, nil
}

func envInt(name string, def int) (int, error) {
	n, err := envInt64(name, int64(def))
	return int(n), err
}

func envBool(name string, def bool) (bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, errors.Wrapf(err, "config: %s", name)
	}
	return b, nil
}

func envFloat(name string, def float64) (float64, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, errors.Wrapf(err, "config: %s", name)
	}
	return f, nil
}
