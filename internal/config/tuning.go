package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// MaxAnchors is the number of access points a host accepts reports from.
const MaxAnchors = 4

// TuningConfig is the root configuration for a device. Every field is
// optional; the Get* methods fall back to the firmware defaults, so a partial
// file is safe. Values are read once at start and never changed at runtime.
type TuningConfig struct {
	// Device identity
	Role      *string  `json:"role,omitempty" yaml:"role,omitempty"`
	DeviceID  *int     `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	PositionX *float64 `json:"position_x,omitempty" yaml:"position_x,omitempty"`
	PositionY *float64 `json:"position_y,omitempty" yaml:"position_y,omitempty"`

	// Area and anchors
	AreaX   *float64       `json:"area_x,omitempty" yaml:"area_x,omitempty"`
	AreaY   *float64       `json:"area_y,omitempty" yaml:"area_y,omitempty"`
	Anchors []AnchorConfig `json:"anchors,omitempty" yaml:"anchors,omitempty"`

	// Distance smoother
	KalmanErrorVariance    *float64 `json:"kalman_error_variance,omitempty" yaml:"kalman_error_variance,omitempty"`
	KalmanProcessNoise     *float64 `json:"kalman_process_noise,omitempty" yaml:"kalman_process_noise,omitempty"`
	KalmanMeasurementNoise *float64 `json:"kalman_measurement_noise,omitempty" yaml:"kalman_measurement_noise,omitempty"`
	TxPowerOneMeter        *float64 `json:"tx_power_one_meter,omitempty" yaml:"tx_power_one_meter,omitempty"`
	EnvironmentFactor      *float64 `json:"environment_factor,omitempty" yaml:"environment_factor,omitempty"`

	// Particle filter
	ParticleCount         *int     `json:"particle_count,omitempty" yaml:"particle_count,omitempty"`
	OrientationVariance   *float64 `json:"orientation_variance,omitempty" yaml:"orientation_variance,omitempty"`
	PositionVariance      *float64 `json:"position_variance,omitempty" yaml:"position_variance,omitempty"`
	PositionMean          *float64 `json:"position_mean,omitempty" yaml:"position_mean,omitempty"`
	APMeasurementVariance *float64 `json:"ap_measurement_variance,omitempty" yaml:"ap_measurement_variance,omitempty"`
	RatioCoefficient      *float64 `json:"ratio_coefficient,omitempty" yaml:"ratio_coefficient,omitempty"`
	Seed                  *uint64  `json:"seed,omitempty" yaml:"seed,omitempty"` // 0 or unset: seed from entropy

	// Transport
	SerialPort     *string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	SerialBaudRate *int    `json:"serial_baud_rate,omitempty" yaml:"serial_baud_rate,omitempty"`
	UDPListen      *string `json:"udp_listen,omitempty" yaml:"udp_listen,omitempty"`
	HostAddr       *string `json:"host_addr,omitempty" yaml:"host_addr,omitempty"`
	HTTPListen     *string `json:"http_listen,omitempty" yaml:"http_listen,omitempty"`
	GRPCListen     *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
	DBPath         *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`

	// Beacon simulator
	BeaconInterval *string  `json:"beacon_interval,omitempty" yaml:"beacon_interval,omitempty"` // duration string like "250ms"
	BeaconNoiseDB  *float64 `json:"beacon_noise_db,omitempty" yaml:"beacon_noise_db,omitempty"`
}

// AnchorConfig places one access point in the area.
type AnchorConfig struct {
	ID int     `json:"id" yaml:"id"`
	X  float64 `json:"x" yaml:"x"`
	Y  float64 `json:"y" yaml:"y"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the getters' defaults.
func DefaultTuningConfig() *TuningConfig {
	c := EmptyTuningConfig()
	return &TuningConfig{
		Role:                   ptrString(c.GetRole().String()),
		DeviceID:               ptrInt(c.GetDeviceID()),
		PositionX:              ptrFloat64(c.GetPositionX()),
		PositionY:              ptrFloat64(c.GetPositionY()),
		AreaX:                  ptrFloat64(c.GetAreaX()),
		AreaY:                  ptrFloat64(c.GetAreaY()),
		Anchors:                c.GetAnchors(),
		KalmanErrorVariance:    ptrFloat64(c.GetKalmanErrorVariance()),
		KalmanProcessNoise:     ptrFloat64(c.GetKalmanProcessNoise()),
		KalmanMeasurementNoise: ptrFloat64(c.GetKalmanMeasurementNoise()),
		TxPowerOneMeter:        ptrFloat64(c.GetTxPowerOneMeter()),
		EnvironmentFactor:      ptrFloat64(c.GetEnvironmentFactor()),
		ParticleCount:          ptrInt(c.GetParticleCount()),
		OrientationVariance:    ptrFloat64(c.GetOrientationVariance()),
		PositionVariance:       ptrFloat64(c.GetPositionVariance()),
		PositionMean:           ptrFloat64(c.GetPositionMean()),
		APMeasurementVariance:  ptrFloat64(c.GetAPMeasurementVariance()),
		RatioCoefficient:       ptrFloat64(c.GetRatioCoefficient()),
		Seed:                   ptrUint64(c.GetSeed()),
		SerialPort:             ptrString(c.GetSerialPort()),
		SerialBaudRate:         ptrInt(c.GetSerialBaudRate()),
		UDPListen:              ptrString(c.GetUDPListen()),
		HostAddr:               ptrString(c.GetHostAddr()),
		HTTPListen:             ptrString(c.GetHTTPListen()),
		GRPCListen:             ptrString(c.GetGRPCListen()),
		DBPath:                 ptrString(c.GetDBPath()),
		BeaconInterval:         ptrString(c.GetBeaconInterval().String()),
		BeaconNoiseDB:          ptrFloat64(c.GetBeaconNoiseDB()),
	}
}

// LoadTuningConfig loads a TuningConfig from a .json, .yaml or .yml file.
// The file must be under the max file size. Fields omitted from the file
// retain their default values.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.Role != nil {
		if _, err := ParseRole(*c.Role); err != nil {
			return err
		}
	}

	if c.DeviceID != nil && *c.DeviceID < 0 {
		return fmt.Errorf("device_id must be non-negative, got %d", *c.DeviceID)
	}

	for name, v := range map[string]*float64{
		"area_x":                   c.AreaX,
		"area_y":                   c.AreaY,
		"kalman_measurement_noise": c.KalmanMeasurementNoise,
		"environment_factor":       c.EnvironmentFactor,
		"ap_measurement_variance":  c.APMeasurementVariance,
		"ratio_coefficient":        c.RatioCoefficient,
	} {
		if v != nil && !(*v > 0) {
			return fmt.Errorf("%s must be positive, got %v", name, *v)
		}
	}

	for name, v := range map[string]*float64{
		"kalman_error_variance": c.KalmanErrorVariance,
		"kalman_process_noise":  c.KalmanProcessNoise,
		"orientation_variance":  c.OrientationVariance,
		"position_variance":     c.PositionVariance,
		"beacon_noise_db":       c.BeaconNoiseDB,
	} {
		if v != nil && (*v < 0 || math.IsNaN(*v)) {
			return fmt.Errorf("%s must be non-negative, got %v", name, *v)
		}
	}

	if c.ParticleCount != nil && *c.ParticleCount <= 0 {
		return fmt.Errorf("particle_count must be positive, got %d", *c.ParticleCount)
	}

	if c.SerialBaudRate != nil && *c.SerialBaudRate < 0 {
		return fmt.Errorf("serial_baud_rate must be non-negative, got %d", *c.SerialBaudRate)
	}

	if c.BeaconInterval != nil && *c.BeaconInterval != "" {
		d, err := time.ParseDuration(*c.BeaconInterval)
		if err != nil {
			return fmt.Errorf("invalid beacon_interval '%s': %w", *c.BeaconInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("beacon_interval must be positive, got %s", d)
		}
	}

	if len(c.Anchors) > MaxAnchors {
		return fmt.Errorf("at most %d anchors are supported, got %d", MaxAnchors, len(c.Anchors))
	}
	areaX, areaY := c.GetAreaX(), c.GetAreaY()
	seen := make(map[int]bool, len(c.Anchors))
	for _, a := range c.Anchors {
		if a.ID < 1 || a.ID > MaxAnchors {
			return fmt.Errorf("anchor id %d out of range 1..%d", a.ID, MaxAnchors)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate anchor id %d", a.ID)
		}
		seen[a.ID] = true
		if a.X < 0 || a.X > areaX || a.Y < 0 || a.Y > areaY {
			return fmt.Errorf("anchor %d at (%g, %g) lies outside the %gx%g area", a.ID, a.X, a.Y, areaX, areaY)
		}
	}

	return nil
}

// GetRole returns the configured device role or RoleHost.
func (c *TuningConfig) GetRole() Role {
	if c.Role == nil {
		return RoleHost
	}
	r, err := ParseRole(*c.Role)
	if err != nil {
		return RoleHost
	}
	return r
}

// GetDeviceID returns the device_id value or the default.
func (c *TuningConfig) GetDeviceID() int {
	if c.DeviceID == nil {
		return 1
	}
	return *c.DeviceID
}

// GetPositionX returns the device's own x position.
func (c *TuningConfig) GetPositionX() float64 {
	if c.PositionX == nil {
		return 0
	}
	return *c.PositionX
}

// GetPositionY returns the device's own y position.
func (c *TuningConfig) GetPositionY() float64 {
	if c.PositionY == nil {
		return 0
	}
	return *c.PositionY
}

// GetAreaX returns the area width in meters.
func (c *TuningConfig) GetAreaX() float64 {
	if c.AreaX == nil {
		return 3
	}
	return *c.AreaX
}

// GetAreaY returns the area height in meters.
func (c *TuningConfig) GetAreaY() float64 {
	if c.AreaY == nil {
		return 2
	}
	return *c.AreaY
}

// GetAnchors returns the configured anchors, or one anchor in each corner of
// the area when none are configured:
//
//	3 ----- 4
//	|       |
//	1 ----- 2
func (c *TuningConfig) GetAnchors() []AnchorConfig {
	if len(c.Anchors) > 0 {
		out := make([]AnchorConfig, len(c.Anchors))
		copy(out, c.Anchors)
		return out
	}
	x, y := c.GetAreaX(), c.GetAreaY()
	return []AnchorConfig{
		{ID: 1, X: 0, Y: 0},
		{ID: 2, X: x, Y: 0},
		{ID: 3, X: 0, Y: y},
		{ID: 4, X: x, Y: y},
	}
}

// GetKalmanErrorVariance returns the initial Kalman error variance P.
func (c *TuningConfig) GetKalmanErrorVariance() float64 {
	if c.KalmanErrorVariance == nil {
		return 1
	}
	return *c.KalmanErrorVariance
}

// GetKalmanProcessNoise returns the Kalman process noise Q.
func (c *TuningConfig) GetKalmanProcessNoise() float64 {
	if c.KalmanProcessNoise == nil {
		return 0.005
	}
	return *c.KalmanProcessNoise
}

// GetKalmanMeasurementNoise returns the Kalman measurement noise R.
func (c *TuningConfig) GetKalmanMeasurementNoise() float64 {
	if c.KalmanMeasurementNoise == nil {
		return 20
	}
	return *c.KalmanMeasurementNoise
}

// GetTxPowerOneMeter returns the received power at one meter in dBm.
func (c *TuningConfig) GetTxPowerOneMeter() float64 {
	if c.TxPowerOneMeter == nil {
		return -60
	}
	return *c.TxPowerOneMeter
}

// GetEnvironmentFactor returns the path-loss exponent n.
func (c *TuningConfig) GetEnvironmentFactor() float64 {
	if c.EnvironmentFactor == nil {
		return 2
	}
	return *c.EnvironmentFactor
}

// GetParticleCount returns the particle_count value or the default.
func (c *TuningConfig) GetParticleCount() int {
	if c.ParticleCount == nil {
		return 500
	}
	return *c.ParticleCount
}

// GetOrientationVariance returns the heading noise variance in rad².
func (c *TuningConfig) GetOrientationVariance() float64 {
	if c.OrientationVariance == nil {
		return 0.1
	}
	return *c.OrientationVariance
}

// GetPositionVariance returns the step length variance in m².
func (c *TuningConfig) GetPositionVariance() float64 {
	if c.PositionVariance == nil {
		return 0.0025
	}
	return *c.PositionVariance
}

// GetPositionMean returns the mean step length per epoch in meters.
func (c *TuningConfig) GetPositionMean() float64 {
	if c.PositionMean == nil {
		return 0.05
	}
	return *c.PositionMean
}

// GetAPMeasurementVariance returns the observation likelihood width.
func (c *TuningConfig) GetAPMeasurementVariance() float64 {
	if c.APMeasurementVariance == nil {
		return 0.5
	}
	return *c.APMeasurementVariance
}

// GetRatioCoefficient returns the n_eff/N threshold below which the filter resamples.
func (c *TuningConfig) GetRatioCoefficient() float64 {
	if c.RatioCoefficient == nil {
		return 0.95
	}
	return *c.RatioCoefficient
}

// GetSeed returns the sampler seed; 0 means seed from entropy.
func (c *TuningConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

// GetSerialPort returns the serial device path; empty disables serial I/O.
func (c *TuningConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetSerialBaudRate returns the serial_baud_rate value or the default.
func (c *TuningConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 115200
	}
	return *c.SerialBaudRate
}

// GetUDPListen returns the address the host listens on for anchor reports.
func (c *TuningConfig) GetUDPListen() string {
	if c.UDPListen == nil {
		return ":1883"
	}
	return *c.UDPListen
}

// GetHostAddr returns the host address anchors and beacons report to.
func (c *TuningConfig) GetHostAddr() string {
	if c.HostAddr == nil {
		return "127.0.0.1:1883"
	}
	return *c.HostAddr
}

// GetHTTPListen returns the HTTP listen address; empty disables the server.
func (c *TuningConfig) GetHTTPListen() string {
	if c.HTTPListen == nil {
		return ":8080"
	}
	return *c.HTTPListen
}

// GetGRPCListen returns the gRPC health listen address; empty disables it.
func (c *TuningConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ""
	}
	return *c.GRPCListen
}

// GetDBPath returns the sqlite path; empty disables persistence.
func (c *TuningConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "bletrack.db"
	}
	return *c.DBPath
}

// GetBeaconInterval parses and returns the BeaconInterval as a time.Duration.
func (c *TuningConfig) GetBeaconInterval() time.Duration {
	if c.BeaconInterval == nil || *c.BeaconInterval == "" {
		return 250 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.BeaconInterval)
	if err != nil {
		return 250 * time.Millisecond // default on parse error
	}
	return d
}

// GetBeaconNoiseDB returns the simulated RSSI noise standard deviation in dB.
func (c *TuningConfig) GetBeaconNoiseDB() float64 {
	if c.BeaconNoiseDB == nil {
		return 2
	}
	return *c.BeaconNoiseDB
}
