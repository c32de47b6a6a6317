package config

import "gopkg.in/yaml.v3"

// Feature names a toggle in Target.Features. The order of AllFeatures is the
// canonical order readers and samplers run in, which is also the field order
// renderers use.
type Feature string

const (
	FeatureIdentity      Feature = "identity"
	FeatureUptime        Feature = "uptime"
	FeatureMemory        Feature = "memory"
	FeatureLoadAverage   Feature = "load_average"
	FeatureTemperature   Feature = "temperature"
	FeatureFrequency     Feature = "frequency"
	FeatureCPU           Feature = "cpu"
	FeatureNetwork       Feature = "network"
	FeatureDisk          Feature = "disk"
	FeatureProcesses     Feature = "processes"
	FeatureBattery       Feature = "battery"
	FeatureFragmentation Feature = "fragmentation"
	FeatureStability     Feature = "stability"
)

// AllFeatures lists every toggle in canonical order.
var AllFeatures = []Feature{
	FeatureIdentity,
	FeatureUptime,
	FeatureMemory,
	FeatureLoadAverage,
	FeatureTemperature,
	FeatureFrequency,
	FeatureCPU,
	FeatureNetwork,
	FeatureDisk,
	FeatureProcesses,
	FeatureBattery,
	FeatureFragmentation,
	FeatureStability,
}

// Features holds the per-target feature toggles.
type Features struct {
	Identity      bool `yaml:"identity"`
	Uptime        bool `yaml:"uptime"`
	Memory        bool `yaml:"memory"`
	LoadAverage   bool `yaml:"load_average"`
	Temperature   bool `yaml:"temperature"`
	Frequency     bool `yaml:"frequency"`
	CPU           bool `yaml:"cpu"`
	Network       bool `yaml:"network"`
	Disk          bool `yaml:"disk"`
	Processes     bool `yaml:"processes"`
	Battery       bool `yaml:"battery"`
	Fragmentation bool `yaml:"fragmentation"`
	Stability     bool `yaml:"stability"`
}

// DefaultFeatures enables everything except batteries, which need explicit
// battery definitions to be useful.
func DefaultFeatures() Features {
	return Features{
		Identity:      true,
		Uptime:        true,
		Memory:        true,
		LoadAverage:   true,
		Temperature:   true,
		Frequency:     true,
		CPU:           true,
		Network:       true,
		Disk:          true,
		Processes:     true,
		Fragmentation: true,
		Stability:     true,
	}
}

// UnmarshalYAML starts from DefaultFeatures so a partial block only changes
// the toggles it names.
func (f *Features) UnmarshalYAML(value *yaml.Node) error {
	type plain Features
	p := plain(DefaultFeatures())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*f = Features(p)
	return nil
}

// Enabled reports whether the named feature is switched on.
func (f Features) Enabled(name Feature) bool {
	switch name {
	case FeatureIdentity:
		return f.Identity
	case FeatureUptime:
		return f.Uptime
	case FeatureMemory:
		return f.Memory
	case FeatureLoadAverage:
		return f.LoadAverage
	case FeatureTemperature:
		return f.Temperature
	case FeatureFrequency:
		return f.Frequency
	case FeatureCPU:
		return f.CPU
	case FeatureNetwork:
		return f.Network
	case FeatureDisk:
		return f.Disk
	case FeatureProcesses:
		return f.Processes
	case FeatureBattery:
		return f.Battery
	case FeatureFragmentation:
		return f.Fragmentation
	case FeatureStability:
		return f.Stability
	}
	return false
}

// List returns the enabled features in canonical order.
func (f Features) List() []Feature {
	var out []Feature
	for _, name := range AllFeatures {
		if f.Enabled(name) {
			out = append(out, name)
		}
	}
	return out
}
