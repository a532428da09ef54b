// Package config loads the kiosk replication configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/coordinator"
	"github.com/kioskworks/kiosksync/pkg/failover"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/replconfig"
	"github.com/kioskworks/kiosksync/pkg/session"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

type Config struct {
	Device      Device       `yaml:"device"`
	Endpoints   Endpoints    `yaml:"endpoints"`
	Replication Replication  `yaml:"replication"`
	Collections []Collection `yaml:"collections" validate:"required,min=1,dive"`
	Failover    Failover     `yaml:"failover"`
	Transport   Transport    `yaml:"transport"`
	Network     Network      `yaml:"network"`
	Store       Store        `yaml:"store"`
	StatusAPI   StatusAPI    `yaml:"status_api"`
	Log         Log          `yaml:"log"`
}

type Device struct {
	ID   string `yaml:"id" validate:"required"`
	Name string `yaml:"name" validate:"required"`
	// HeartbeatInterval of zero disables the heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`
}

type Endpoint struct {
	HTTP string `yaml:"http" validate:"required,url"`
	WS   string `yaml:"ws" validate:"required,url"`
}

type Endpoints struct {
	Primary   Endpoint `yaml:"primary"`
	Secondary Endpoint `yaml:"secondary"`
}

type CloseThresholds struct {
	Failure    int `yaml:"failure" validate:"gt=0"`
	ServerDown int `yaml:"server_down" validate:"gtfield=Failure"`
}

type Replication struct {
	BatchSize         int             `yaml:"batch_size" validate:"gt=0"`
	RetryInterval     time.Duration   `yaml:"retry_interval" validate:"gt=0"`
	Live              bool            `yaml:"live"`
	WaitForLeadership bool            `yaml:"wait_for_leadership"`
	CloseWindow       time.Duration   `yaml:"close_window" validate:"gt=0"`
	CloseThresholds   CloseThresholds `yaml:"close_thresholds"`
	RegistrationWait  time.Duration   `yaml:"registration_wait" validate:"gt=0"`
}

type Collection struct {
	Name       string   `yaml:"name" validate:"required"`
	QueryName  string   `yaml:"query_name"`
	StreamName string   `yaml:"stream_name"`
	PushName   string   `yaml:"push_name"`
	Fields     []string `yaml:"fields"`
	BatchSize  int      `yaml:"batch_size" validate:"gte=0"`
}

type Weights struct {
	MultiSourceFailure float64 `yaml:"multi_source_failure" validate:"gte=0,lte=1"`
	HighRetryCount     float64 `yaml:"high_retry_count" validate:"gte=0,lte=1"`
	CriticalSeverity   float64 `yaml:"critical_severity" validate:"gte=0,lte=1"`
	ServerDown         float64 `yaml:"server_down" validate:"gte=0,lte=1"`
	HighRetryThreshold int     `yaml:"high_retry_threshold" validate:"gt=0"`
}

type Failover struct {
	Window                time.Duration `yaml:"window" validate:"gt=0"`
	Debounce              time.Duration `yaml:"debounce" validate:"gt=0"`
	Threshold             float64       `yaml:"threshold" validate:"gt=0,lte=1"`
	EmergencyThreshold    float64       `yaml:"emergency_threshold" validate:"gtefield=Threshold,lte=1"`
	HistorySize           int           `yaml:"history_size" validate:"gt=0"`
	DrainTimeout          time.Duration `yaml:"drain_timeout" validate:"gt=0"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	SettleDelay           time.Duration `yaml:"settle_delay" validate:"gte=0"`
	FailbackCheckInterval time.Duration `yaml:"failback_check_interval" validate:"gt=0"`
	HealthProbe           bool          `yaml:"health_probe"`
	Weights               Weights       `yaml:"weights"`
}

type Transport struct {
	PingInterval time.Duration `yaml:"ping_interval" validate:"gte=0"`
	PongTimeout  time.Duration `yaml:"pong_timeout" validate:"gte=0"`
	HTTPTimeout  time.Duration `yaml:"http_timeout" validate:"gt=0"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gt=0"`
}

type Network struct {
	// ProbeAddress is dialled to decide whether the device is online. Empty
	// means always online.
	ProbeAddress string        `yaml:"probe_address" validate:"omitempty,hostname_port"`
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
}

type Store struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite"`
	Path   string `yaml:"path" validate:"required_if=Driver sqlite"`
}

type StatusAPI struct {
	// Listen is the status API address. Empty disables the API.
	Listen string `yaml:"listen" validate:"omitempty,tcp_addr"`
	// TokenSecret, when set, protects POST /failover with HS256 bearer tokens.
	TokenSecret string `yaml:"token_secret" validate:"omitempty,min=32"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text zerolog"`
}

// Default returns a configuration holding every default. Device, endpoints
// and collections still have to be filled in.
func Default() Config {
	w := failover.DefaultWeights()
	return Config{
		Replication: Replication{
			BatchSize:        constants.DefaultBatchSize,
			RetryInterval:    constants.DefaultRetryInterval,
			Live:             true,
			CloseWindow:      constants.DefaultCloseWindow,
			RegistrationWait: constants.DefaultRegistrationWait,
			CloseThresholds: CloseThresholds{
				Failure:    constants.DefaultCloseThresholdFailure,
				ServerDown: constants.DefaultCloseThresholdServerDown,
			},
		},
		Failover: Failover{
			Window:                constants.DefaultEventWindow,
			Debounce:              constants.DefaultDebounce,
			Threshold:             constants.DefaultFailoverThreshold,
			EmergencyThreshold:    constants.DefaultEmergencyThreshold,
			HistorySize:           constants.DefaultHistorySize,
			DrainTimeout:          constants.DefaultDrainTimeout,
			ShutdownTimeout:       constants.DefaultShutdownTimeout,
			SettleDelay:           constants.DefaultSettleDelay,
			FailbackCheckInterval: constants.DefaultFailbackCheckInterval,
			HealthProbe:           true,
			Weights: Weights{
				MultiSourceFailure: w.MultiSourceFailure,
				HighRetryCount:     w.HighRetryCount,
				CriticalSeverity:   w.CriticalSeverity,
				ServerDown:         w.ServerDown,
				HighRetryThreshold: w.HighRetryThreshold,
			},
		},
		Transport: Transport{
			PingInterval: constants.DefaultPingInterval,
			PongTimeout:  constants.DefaultPongTimeout,
			HTTPTimeout:  constants.DefaultHTTPTimeout,
			ProbeTimeout: constants.DefaultProbeTimeout,
		},
		Network: Network{Interval: constants.DefaultNetworkPollInterval},
		Store:   Store{Driver: DriverMemory},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the struct constraints and that collection names are unique.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	seen := map[string]bool{}
	for _, coll := range c.Collections {
		if seen[coll.Name] {
			return fmt.Errorf("config: collection %q listed twice", coll.Name)
		}
		seen[coll.Name] = true
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		switch e.Tag() {
		case "required", "required_if":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, e.Param()))
		case "url":
			msgs = append(msgs, field+" must be a URL")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, e.Tag(), e.Param()))
		}
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

// BackendEndpoints returns the primary and secondary endpoints.
func (c Config) BackendEndpoints() models.Endpoints {
	return models.NewEndpoints(c.Endpoints.Primary.HTTP, c.Endpoints.Primary.WS, c.Endpoints.Secondary.HTTP, c.Endpoints.Secondary.WS)
}

// CollectionConfigs returns the replication configuration of every collection.
func (c Config) CollectionConfigs() []replconfig.CollectionConfig {
	d := replconfig.Defaults{
		BatchSize:         c.Replication.BatchSize,
		RetryInterval:     c.Replication.RetryInterval,
		Live:              c.Replication.Live,
		WaitForLeadership: c.Replication.WaitForLeadership,
	}
	out := make([]replconfig.CollectionConfig, 0, len(c.Collections))
	for _, coll := range c.Collections {
		out = append(out, replconfig.Build(replconfig.CollectionSpec{
			Name:       coll.Name,
			QueryName:  coll.QueryName,
			StreamName: coll.StreamName,
			PushName:   coll.PushName,
			Fields:     coll.Fields,
			BatchSize:  coll.BatchSize,
		}, d))
	}
	return out
}

func (c Config) SessionOptions() session.Options {
	return session.Options{
		RegistrationWait:    c.Replication.RegistrationWait,
		CloseWindow:         c.Replication.CloseWindow,
		FailureThreshold:    c.Replication.CloseThresholds.Failure,
		ServerDownThreshold: c.Replication.CloseThresholds.ServerDown,
		StopTimeout:         c.Failover.ShutdownTimeout,
	}
}

func (c Config) FailoverOptions() failover.Options {
	return failover.Options{
		Window:             c.Failover.Window,
		Debounce:           c.Failover.Debounce,
		HistorySize:        c.Failover.HistorySize,
		Threshold:          c.Failover.Threshold,
		EmergencyThreshold: c.Failover.EmergencyThreshold,
		Weights: failover.Weights{
			MultiSourceFailure: c.Failover.Weights.MultiSourceFailure,
			HighRetryCount:     c.Failover.Weights.HighRetryCount,
			CriticalSeverity:   c.Failover.Weights.CriticalSeverity,
			ServerDown:         c.Failover.Weights.ServerDown,
			HighRetryThreshold: c.Failover.Weights.HighRetryThreshold,
		},
	}
}

func (c Config) CoordinatorOptions() coordinator.Options {
	return coordinator.Options{
		DrainTimeout:          c.Failover.DrainTimeout,
		ShutdownTimeout:       c.Failover.ShutdownTimeout,
		SettleDelay:           c.Failover.SettleDelay,
		StopTimeout:           c.Failover.ShutdownTimeout,
		FailbackCheckInterval: c.Failover.FailbackCheckInterval,
		FailbackDebounce:      c.Failover.Debounce,
	}
}
