package annindex

import "strings"

// Config holds the scalar, comparable construction options for an Index.
// It excludes resource handles (KVStores, Backend, Logger) so that Config
// itself is a plain comparable value: the round-trip property
// (`FromConfig(GetConfig(ix)).GetConfig() == ix.GetConfig()`) is then a
// simple struct equality check.
type Config struct {
	ReadOnly      bool
	FactoryString string
	IVFNProbe     int
	UseGPU        bool
	GPUID         string
	RandomSeed    int64
}

// DefaultConfig returns the zero-tuning baseline: a flat brute-force
// index wrapped in an ID map, with an nprobe of 1.
func DefaultConfig() Config {
	return Config{
		FactoryString: "IDMap,Flat",
		IVFNProbe:     1,
	}
}

// Validate checks the option constraints on Config.
func (c Config) Validate() error {
	if c.IVFNProbe < 1 {
		return &InvalidConfigError{Msg: "ivf_nprobe must be >= 1."}
	}
	if strings.TrimSpace(c.FactoryString) == "" {
		return &InvalidConfigError{Msg: "factory_string must not be empty"}
	}
	if c.UseGPU && strings.TrimSpace(c.GPUID) == "" {
		return &InvalidConfigError{Msg: "gpu_id must be set when use_gpu is true"}
	}
	return nil
}
