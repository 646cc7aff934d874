package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	libconfig "v2gcharge/backend/libs/config"
)

// Default node MACs.
const (
	DefaultEVMAC   = "00:05:B6:01:86:BD"
	DefaultEVSEMAC = "00:05:B6:01:88:A3"
)

// Config defines the v2g node configuration. CLI flags are applied on top.
type Config struct {
	Node struct {
		Interface string   `yaml:"interface" env:"V2G_INTERFACE"`
		Role      NodeRole `yaml:"-" env:"-"`
		EVMAC     string   `yaml:"evMac" env:"V2G_EV_MAC"`
		EVSEMAC   string   `yaml:"evseMac" env:"V2G_EVSE_MAC"`
		EVSEID    string   `yaml:"evseId" env:"V2G_EVSE_ID"`
	} `yaml:"node"`
	Features struct {
		Association  bool `yaml:"association" env:"V2G_ASSOCIATION"`
		Verbose      bool `yaml:"verbose" env:"V2G_VERBOSE"`
		DisableTLS   bool `yaml:"disableTls" env:"V2G_DISABLE_TLS"`
		DisableTCP   bool `yaml:"disableTcp" env:"V2G_DISABLE_TCP"`
		FreeCharging bool `yaml:"freeCharging" env:"V2G_FREE_CHARGING"`
	} `yaml:"features"`
	Certs struct {
		ContractChain string `yaml:"contractChain" env:"V2G_CONTRACT_CHAIN"`
		ContractKey   string `yaml:"contractKey" env:"V2G_CONTRACT_KEY"`

		// ContractBundle is a PKCS#12 file replacing ContractChain and ContractKey.
		ContractBundle         string `yaml:"contractBundle" env:"V2G_CONTRACT_BUNDLE"`
		ContractBundlePassword string `yaml:"contractBundlePassword" env:"V2G_CONTRACT_BUNDLE_PASSWORD"`

		EVCert        string `yaml:"evCert" env:"V2G_EV_CERT"`
		EVKey         string `yaml:"evKey" env:"V2G_EV_KEY"`
		EVSECert      string `yaml:"evseCert" env:"V2G_EVSE_CERT"`
		EVSEKey       string `yaml:"evseKey" env:"V2G_EVSE_KEY"`
		ContractRoots string `yaml:"contractRoots" env:"V2G_CONTRACT_ROOTS"`

		// ServerRoots, when set, makes the EV verify the SECC certificate.
		ServerRoots string `yaml:"serverRoots" env:"V2G_SERVER_ROOTS"`
	} `yaml:"certs"`
	Association struct {
		MaxAttempts    int           `yaml:"maxAttempts" env:"V2G_ASSOCIATION_ATTEMPTS"`
		Backoff        time.Duration `yaml:"backoff" env:"V2G_ASSOCIATION_BACKOFF"`
		AttemptTimeout time.Duration `yaml:"attemptTimeout" env:"V2G_ASSOCIATION_TIMEOUT"`
		SettleMode     string        `yaml:"settleMode" env:"V2G_SETTLE_MODE"`
		SettleDelay    time.Duration `yaml:"settleDelay" env:"V2G_SETTLE_DELAY"`
	} `yaml:"association"`
	Discovery struct {
		Retries    int           `yaml:"retries" env:"V2G_SDP_RETRIES"`
		TryTimeout time.Duration `yaml:"tryTimeout" env:"V2G_SDP_TRY_TIMEOUT"`

		// Target and ListenAddr replace the multicast group, e.g. for loopback runs.
		Target      string `yaml:"target" env:"V2G_SDP_TARGET"`
		ListenAddr  string `yaml:"listenAddr" env:"V2G_SDP_LISTEN"`
		AdvertiseIP string `yaml:"advertiseIp" env:"V2G_SDP_ADVERTISE_IP"`
	} `yaml:"discovery"`
	Transport struct {
		BindHost        string        `yaml:"bindHost" env:"V2G_BIND_HOST"`
		ConnectTimeout  time.Duration `yaml:"connectTimeout" env:"V2G_CONNECT_TIMEOUT"`
		ExchangeTimeout time.Duration `yaml:"exchangeTimeout" env:"V2G_EXCHANGE_TIMEOUT"`
		IdleTimeout     time.Duration `yaml:"idleTimeout" env:"V2G_IDLE_TIMEOUT"`
	} `yaml:"transport"`
	Charging struct {
		Loops              int           `yaml:"loops" env:"V2G_CHARGING_LOOPS"`
		StatusInterval     time.Duration `yaml:"statusInterval" env:"V2G_STATUS_INTERVAL"`
		OngoingRetries     int           `yaml:"ongoingRetries" env:"V2G_ONGOING_RETRIES"`
		OngoingInterval    time.Duration `yaml:"ongoingInterval" env:"V2G_ONGOING_INTERVAL"`
		StepTimeout        time.Duration `yaml:"stepTimeout" env:"V2G_STEP_TIMEOUT"`
		StopTimeout        time.Duration `yaml:"stopTimeout" env:"V2G_STOP_TIMEOUT"`
		EnergyTransferMode string        `yaml:"energyTransferMode" env:"V2G_ENERGY_TRANSFER_MODE"`
		EAmountWh          float64       `yaml:"eAmountWh" env:"V2G_EV_ENERGY_WH"`
		EVMaxVoltage       float64       `yaml:"evMaxVoltage" env:"V2G_EV_MAX_VOLTAGE"`
		EVMaxCurrent       float64       `yaml:"evMaxCurrent" env:"V2G_EV_MAX_CURRENT"`
		EVMinCurrent       float64       `yaml:"evMinCurrent" env:"V2G_EV_MIN_CURRENT"`
	} `yaml:"charging"`
	EVSE struct {
		NominalVoltage   float64 `yaml:"nominalVoltage" env:"V2G_EVSE_NOMINAL_VOLTAGE"`
		MaxCurrent       float64 `yaml:"maxCurrent" env:"V2G_EVSE_MAX_CURRENT"`
		StopAfterStatus  int     `yaml:"stopAfterStatus" env:"V2G_EVSE_STOP_AFTER"`
		MeterID          string  `yaml:"meterId" env:"V2G_EVSE_METER_ID"`
		ScheduleDuration uint32  `yaml:"scheduleDuration" env:"V2G_EVSE_SCHEDULE_DURATION"`
	} `yaml:"evse"`
	LinePower struct {
		// ControlFile is written with 1 or 0; empty only logs the switch.
		ControlFile string `yaml:"controlFile" env:"V2G_LINE_CONTROL_FILE"`
	} `yaml:"linePower"`
	Database struct {
		DSN      string `yaml:"dsn" env:"V2G_POSTGRES_DSN"`
		MaxConns int    `yaml:"maxConns" env:"V2G_POSTGRES_MAX_CONNS"`
		Migrate  bool   `yaml:"migrate" env:"V2G_POSTGRES_MIGRATE"`
	} `yaml:"database"`
	Redis struct {
		Addr     string        `yaml:"addr" env:"V2G_REDIS_ADDR"`
		Password string        `yaml:"password" env:"V2G_REDIS_PASSWORD"`
		DB       int           `yaml:"db" env:"V2G_REDIS_DB"`
		TTL      time.Duration `yaml:"ttl" env:"V2G_REDIS_TTL"`
	} `yaml:"redis"`
	MQTT struct {
		BrokerURL   string `yaml:"brokerUrl" env:"V2G_MQTT_URL"`
		ClientID    string `yaml:"clientId" env:"V2G_MQTT_CLIENT_ID"`
		TopicPrefix string `yaml:"topicPrefix" env:"V2G_MQTT_TOPIC_PREFIX"`
	} `yaml:"mqtt"`
	Monitor struct {
		// Port enables the monitor HTTP API; empty keeps it off.
		Port      string `yaml:"port" env:"V2G_MONITOR_PORT"`
		JWTSecret string `yaml:"jwtSecret" env:"V2G_MONITOR_JWT_SECRET"`
	} `yaml:"monitor"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	cfg := &Config{}
	cfg.Node.EVMAC = DefaultEVMAC
	cfg.Node.EVSEMAC = DefaultEVSEMAC
	cfg.Node.EVSEID = "DE*V2G*E0001"

	cfg.Certs.ContractChain = "certs/contractchain.pem"
	cfg.Certs.ContractKey = "certs/contract.key"
	cfg.Certs.EVCert = "certs/ev.pem"
	cfg.Certs.EVKey = "certs/ev.key"
	cfg.Certs.EVSECert = "certs/evse.pem"
	cfg.Certs.EVSEKey = "certs/evse.key"
	cfg.Certs.ContractRoots = "certs/root/mobilityop/certs/"

	cfg.Association.MaxAttempts = 10
	cfg.Association.Backoff = time.Second
	cfg.Association.AttemptTimeout = 10 * time.Second
	cfg.Association.SettleMode = "fixed"
	cfg.Association.SettleDelay = 8 * time.Second

	cfg.Discovery.Retries = 50
	cfg.Discovery.TryTimeout = 250 * time.Millisecond

	cfg.Transport.ConnectTimeout = 5 * time.Second
	cfg.Transport.ExchangeTimeout = 5 * time.Second
	cfg.Transport.IdleTimeout = 60 * time.Second

	cfg.Charging.Loops = 2
	cfg.Charging.StatusInterval = time.Second
	cfg.Charging.OngoingRetries = 20
	cfg.Charging.OngoingInterval = 500 * time.Millisecond
	cfg.Charging.StepTimeout = 5 * time.Second
	cfg.Charging.StopTimeout = 5 * time.Second
	cfg.Charging.EnergyTransferMode = "AC_three_phase_core"
	cfg.Charging.EAmountWh = 20000
	cfg.Charging.EVMaxVoltage = 400
	cfg.Charging.EVMaxCurrent = 32
	cfg.Charging.EVMinCurrent = 6

	cfg.EVSE.NominalVoltage = 230
	cfg.EVSE.MaxCurrent = 16
	cfg.EVSE.MeterID = "METER-0001"
	cfg.EVSE.ScheduleDuration = 86400

	cfg.Redis.TTL = 10 * time.Minute
	cfg.MQTT.TopicPrefix = "v2g"
	return cfg
}

// Load uses shared config loader and validates the result.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late on the network.
func (c *Config) Validate() error {
	if _, err := net.ParseMAC(c.Node.EVMAC); err != nil {
		return fmt.Errorf("config: ev mac: %w", err)
	}
	if _, err := net.ParseMAC(c.Node.EVSEMAC); err != nil {
		return fmt.Errorf("config: evse mac: %w", err)
	}
	switch c.Association.SettleMode {
	case "fixed", "poll":
	default:
		return fmt.Errorf("config: settle mode must be fixed or poll, got %q", c.Association.SettleMode)
	}
	if c.Charging.Loops < 0 {
		return errors.New("config: charging loops must not be negative")
	}
	if c.Discovery.Retries <= 0 {
		return errors.New("config: discovery retries must be positive")
	}
	if c.Monitor.Port != "" && strings.TrimSpace(c.Monitor.JWTSecret) == "" {
		return errors.New("config: monitor jwt secret required when monitor is enabled")
	}
	return nil
}

// ApplyCLI copies command line choices over the loaded configuration.
func (c *Config) ApplyCLI(cli CLI) {
	c.Node.Interface = cli.Interface
	c.Node.Role = cli.Role
	c.Features.Association = c.Features.Association || cli.Association
	c.Features.Verbose = c.Features.Verbose || cli.Verbose
	c.Features.DisableTLS = c.Features.DisableTLS || cli.NoTLS
	c.Features.FreeCharging = c.Features.FreeCharging || cli.FreeCharging
}

// NodeMAC returns the MAC of the configured role.
func (c *Config) NodeMAC() net.HardwareAddr {
	raw := c.Node.EVMAC
	if c.Node.Role == RoleEVSE {
		raw = c.Node.EVSEMAC
	}
	mac, _ := net.ParseMAC(raw)
	return mac
}

// EVCCID is the EV MAC without separators.
func (c *Config) EVCCID() string {
	return strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(c.Node.EVMAC))
}

// MonitorAddress returns :port style address, empty when the monitor is off.
func (c *Config) MonitorAddress() string {
	port := strings.TrimSpace(c.Monitor.Port)
	if port == "" || strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
