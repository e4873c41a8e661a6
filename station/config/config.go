// Package config loads the station's startup configuration from a YAML
// file: unmarshal into a tagged struct, then translate field by field
// into a validated, defaulted Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultCapacitySeconds = 1800
	defaultMinProbability  = 0.95
	defaultFreqMin         = 3.0
	defaultFreqMax         = 20.0
	defaultBatchSize       = 100
	defaultNumThreads      = 2
	defaultIntervalSeconds = 10
	defaultWindowSeconds   = 60
	defaultFIFOPath        = "/tmp/my_pipe"
	defaultSamplingRate    = 250.0
	defaultMQTTPort        = 1883
	defaultPickLogPath     = "picks.log"
	defaultQualityFlag     = "ok"
	defaultChannelCodeTrio = "ZNE"
)

// Station describes the acquisition metadata for this station: which
// network/station/location code it reports under, and how to derive its
// three SEED-style channel codes.
type Station struct {
	Network      string
	Station      string
	Location     string
	ChannelCodes string // e.g. "ZNE" or "ENZ", one letter per channel
	SamplingRate float64
	SensorKind   string // "SISMICO" | "ACELEROMETRO"
	QualityFlag  string
}

// ChannelCode returns the SEED-style three-letter channel code for the
// i'th channel (0-2): band code 'E' above 80Hz
// else 'S'; instrument code 'L' for SISMICO else 'N'; orientation code
// taken from ChannelCodes[i].
func (s Station) ChannelCode(i int) string {
	band := "S"
	if s.SamplingRate > 80 {
		band = "E"
	}
	instrument := "N"
	if s.SensorKind == "SISMICO" {
		instrument = "L"
	}
	orientation := "Z"
	if i < len(s.ChannelCodes) {
		orientation = string(s.ChannelCodes[i])
	}
	return band + instrument + orientation
}

// Inference holds the model-invocation and trigger parameters.
type Inference struct {
	ModelPath       string
	MinProbability  float64
	FreqMin         float64
	FreqMax         float64
	BatchSize       int
	NumThreads      int
	IntervalSeconds int
	WindowSeconds   int
}

// MQTT holds the event bus connection parameters.
type MQTT struct {
	Broker   string
	Port     int
	Username string
	Password string
	ClientID string
}

// Config is the fully validated, defaulted startup configuration.
type Config struct {
	Station     Station
	Inference   Inference
	Capacity    int // buffer capacity, seconds
	FIFOPath    string
	MQTT        MQTT
	PickLogPath string
}

type yamlConfig struct {
	Station struct {
		Network      string  `yaml:"network"`
		Station      string  `yaml:"station"`
		Location     string  `yaml:"location"`
		ChannelCodes string  `yaml:"channel_codes"`
		SamplingRate float64 `yaml:"sampling_rate"`
		SensorKind   string  `yaml:"sensor_kind"`
		QualityFlag  string  `yaml:"quality_flag"`
	} `yaml:"station"`
	Inference struct {
		ModelPath       string  `yaml:"model_path"`
		MinProbability  float64 `yaml:"min_probability"`
		FreqMin         float64 `yaml:"freq_min"`
		FreqMax         float64 `yaml:"freq_max"`
		BatchSize       int     `yaml:"batch_size"`
		NumThreads      int     `yaml:"num_threads"`
		IntervalSeconds int     `yaml:"inference_interval_seconds"`
		WindowSeconds   int     `yaml:"inference_window_seconds"`
	} `yaml:"inference"`
	Buffer struct {
		CapacitySeconds int `yaml:"capacity_seconds"`
	} `yaml:"buffer"`
	FIFOPath string `yaml:"fifo_path"`
	MQTT     struct {
		Broker   string `yaml:"broker"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		ClientID string `yaml:"client_id"`
	} `yaml:"mqtt"`
	PickLogPath string `yaml:"pick_log_path"`
}

// Load reads and validates the YAML config file at path, returning
// defaulted, validated Config. A missing file, malformed YAML, or
// missing required field is a fatal startup error.
func Load(path string) (Config, error) {
	cfg := Config{
		Station: Station{
			ChannelCodes: defaultChannelCodeTrio,
			SamplingRate: defaultSamplingRate,
			SensorKind:   "SISMICO",
			QualityFlag:  defaultQualityFlag,
		},
		Inference: Inference{
			MinProbability:  defaultMinProbability,
			FreqMin:         defaultFreqMin,
			FreqMax:         defaultFreqMax,
			BatchSize:       defaultBatchSize,
			NumThreads:      defaultNumThreads,
			IntervalSeconds: defaultIntervalSeconds,
			WindowSeconds:   defaultWindowSeconds,
		},
		Capacity:    defaultCapacitySeconds,
		FIFOPath:    defaultFIFOPath,
		PickLogPath: defaultPickLogPath,
		MQTT:        MQTT{Port: defaultMQTTPort},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("config: parse file: %w", err)
	}

	if yc.Station.Network == "" {
		return Config{}, errors.New("station.network is required")
	}
	cfg.Station.Network = yc.Station.Network

	if yc.Station.Station == "" {
		return Config{}, errors.New("station.station is required")
	}
	cfg.Station.Station = yc.Station.Station

	cfg.Station.Location = yc.Station.Location

	if yc.Station.ChannelCodes != "" {
		cfg.Station.ChannelCodes = strings.ToUpper(yc.Station.ChannelCodes)
	}
	if len(cfg.Station.ChannelCodes) != 3 {
		return Config{}, fmt.Errorf("station.channel_codes must name exactly 3 channels, got %q", cfg.Station.ChannelCodes)
	}

	if yc.Station.SamplingRate > 0 {
		cfg.Station.SamplingRate = yc.Station.SamplingRate
	}

	if yc.Station.SensorKind != "" {
		cfg.Station.SensorKind = strings.ToUpper(yc.Station.SensorKind)
	}
	if cfg.Station.SensorKind != "SISMICO" && cfg.Station.SensorKind != "ACELEROMETRO" {
		return Config{}, fmt.Errorf("station.sensor_kind must be SISMICO or ACELEROMETRO, got %q", cfg.Station.SensorKind)
	}

	if yc.Station.QualityFlag != "" {
		cfg.Station.QualityFlag = yc.Station.QualityFlag
	}

	if yc.Inference.ModelPath == "" {
		return Config{}, errors.New("inference.model_path is required")
	}
	cfg.Inference.ModelPath = yc.Inference.ModelPath

	if yc.Inference.MinProbability > 0 {
		cfg.Inference.MinProbability = yc.Inference.MinProbability
	}
	if yc.Inference.FreqMin > 0 {
		cfg.Inference.FreqMin = yc.Inference.FreqMin
	}
	if yc.Inference.FreqMax > 0 {
		cfg.Inference.FreqMax = yc.Inference.FreqMax
	}
	if cfg.Inference.FreqMin >= cfg.Inference.FreqMax {
		return Config{}, fmt.Errorf("inference.freq_min (%v) must be less than inference.freq_max (%v)", cfg.Inference.FreqMin, cfg.Inference.FreqMax)
	}
	if yc.Inference.BatchSize > 0 {
		cfg.Inference.BatchSize = yc.Inference.BatchSize
	}
	if yc.Inference.NumThreads > 0 {
		cfg.Inference.NumThreads = yc.Inference.NumThreads
	}
	if yc.Inference.IntervalSeconds > 0 {
		cfg.Inference.IntervalSeconds = yc.Inference.IntervalSeconds
	}
	if yc.Inference.WindowSeconds > 0 {
		cfg.Inference.WindowSeconds = yc.Inference.WindowSeconds
	}
	if cfg.Inference.WindowSeconds*100 < 400 {
		return Config{}, fmt.Errorf("inference.inference_window_seconds (%d) is too small to hold one 400-sample feature window at 100Hz", cfg.Inference.WindowSeconds)
	}

	if yc.Buffer.CapacitySeconds > 0 {
		cfg.Capacity = yc.Buffer.CapacitySeconds
	}
	if cfg.Capacity < cfg.Inference.WindowSeconds {
		return Config{}, fmt.Errorf("buffer.capacity_seconds (%d) must be >= inference.inference_window_seconds (%d)", cfg.Capacity, cfg.Inference.WindowSeconds)
	}

	if yc.FIFOPath != "" {
		cfg.FIFOPath = yc.FIFOPath
	}

	cfg.MQTT.Broker = yc.MQTT.Broker
	if yc.MQTT.Port > 0 {
		cfg.MQTT.Port = yc.MQTT.Port
	}
	cfg.MQTT.Username = yc.MQTT.Username
	cfg.MQTT.Password = yc.MQTT.Password
	cfg.MQTT.ClientID = yc.MQTT.ClientID
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.Station.Network + "-" + cfg.Station.Station
	}

	if yc.PickLogPath != "" {
		cfg.PickLogPath = yc.PickLogPath
	}

	return cfg, nil
}
