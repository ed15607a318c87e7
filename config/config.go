package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"relay/log"
)

const (
	DefaultHubListen       = ":8081"
	DefaultDeliveryTimeout = 3 * time.Second
	DefaultWorkers         = 16
	DefaultPeerListen      = "127.0.0.1:0"
	DefaultTransport       = TransportHTTP
	DefaultRetryAttempts   = 5
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultRetryMaxBackoff = 5 * time.Second
	DefaultDiscoverTimeout = 3 * time.Second
	DefaultLogLevel        = "info"
)

const (
	TransportHTTP = "http"
	TransportTCP  = "tcp"
	TransportNATS = "nats"
)

var ErrInvalid = errors.New("invalid config")

// Config содержит настройки обеих ролей процесса
type Config struct {
	Hub  *HubConfig  `yaml:"hub,omitempty"`
	Peer *PeerConfig `yaml:"peer,omitempty"`
	Log  log.Config  `yaml:"log"`
}

// HubConfig используется процессом-хабом
type HubConfig struct {
	Listen          string        `yaml:"listen"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	Workers         int           `yaml:"workers"`

	// Announce включает рассылку "joined" при регистрации пира
	Announce  *bool `yaml:"announce,omitempty"`
	Advertise bool  `yaml:"advertise"`
}

// PeerConfig используется процессом-пиром. Advertise задает хост,
// который попадет в callback адрес вместо адреса listen.
type PeerConfig struct {
	Name            string        `yaml:"name"`
	Hub             string        `yaml:"hub"`
	Listen          string        `yaml:"listen"`
	Advertise       string        `yaml:"advertise"`
	Transport       string        `yaml:"transport"`
	NATSURL         string        `yaml:"nats_url"`
	Discover        bool          `yaml:"discover"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
	Retry           RetryConfig   `yaml:"retry"`
}

// RetryConfig задает политику повторной регистрации в хабе
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// AnnounceEnabled возвращает true, если явно не выключено
func (h HubConfig) AnnounceEnabled() bool {
	return h.Announce == nil || *h.Announce
}

// Load читает YAML файл. Пустой путь дает конфиг по умолчанию.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("error read config %s. %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("error parse config %s. %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyEnv переопределяет значения переменными окружения RELAY_*
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := getenv("RELAY_HUB_LISTEN"); v != "" {
		ensureHub(cfg).Listen = v
	}
	if v := getenv("RELAY_HUB_ADDR"); v != "" {
		ensurePeer(cfg).Hub = v
	}
	if v := getenv("RELAY_PEER_NAME"); v != "" {
		ensurePeer(cfg).Name = v
	}
	if v := getenv("RELAY_PEER_TRANSPORT"); v != "" {
		ensurePeer(cfg).Transport = strings.ToLower(v)
	}
	if v := getenv("RELAY_NATS_URL"); v != "" {
		ensurePeer(cfg).NATSURL = v
	}
	ApplyDefaults(cfg)
}

// Validate проверяет обязательные поля
func Validate(cfg Config) error {
	if cfg.Hub == nil && cfg.Peer == nil {
		return fmt.Errorf("%w: config must contain hub or peer section", ErrInvalid)
	}
	if cfg.Hub != nil {
		if cfg.Hub.Listen == "" {
			return fmt.Errorf("%w: hub.listen is required", ErrInvalid)
		}
		if cfg.Hub.DeliveryTimeout <= 0 {
			return fmt.Errorf("%w: hub.delivery_timeout must be positive", ErrInvalid)
		}
	}
	if p := cfg.Peer; p != nil {
		if p.Name == "" {
			return fmt.Errorf("%w: peer.name is required", ErrInvalid)
		}
		if p.Hub == "" && !p.Discover {
			return fmt.Errorf("%w: peer.hub is required unless peer.discover is set", ErrInvalid)
		}
		switch p.Transport {
		case TransportHTTP, TransportTCP:
		case TransportNATS:
			if p.NATSURL == "" {
				return fmt.Errorf("%w: peer.nats_url is required for nats transport", ErrInvalid)
			}
		default:
			return fmt.Errorf("%w: unknown peer.transport %q", ErrInvalid, p.Transport)
		}
		if p.Retry.MaxAttempts < 1 {
			return fmt.Errorf("%w: peer.retry.max_attempts must be at least 1", ErrInvalid)
		}
	}
	return nil
}

// ApplyDefaults заполняет пустые значения
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}

	if h := cfg.Hub; h != nil {
		if h.Listen == "" {
			h.Listen = DefaultHubListen
		}
		if h.DeliveryTimeout == 0 {
			h.DeliveryTimeout = DefaultDeliveryTimeout
		}
		if h.Workers == 0 {
			h.Workers = DefaultWorkers
		}
	}

	if p := cfg.Peer; p != nil {
		if p.Listen == "" {
			p.Listen = DefaultPeerListen
		}
		if p.Transport == "" {
			p.Transport = DefaultTransport
		}
		if p.DiscoverTimeout == 0 {
			p.DiscoverTimeout = DefaultDiscoverTimeout
		}
		if p.Retry.MaxAttempts == 0 {
			p.Retry.MaxAttempts = DefaultRetryAttempts
		}
		if p.Retry.Backoff == 0 {
			p.Retry.Backoff = DefaultRetryBackoff
		}
		if p.Retry.MaxBackoff == 0 {
			p.Retry.MaxBackoff = DefaultRetryMaxBackoff
		}
	}
}

func ensureHub(cfg *Config) *HubConfig {
	if cfg.Hub == nil {
		cfg.Hub = &HubConfig{}
	}
	return cfg.Hub
}

func ensurePeer(cfg *Config) *PeerConfig {
	if cfg.Peer == nil {
		cfg.Peer = &PeerConfig{}
	}
	return cfg.Peer
}

// EnsureHub и EnsurePeer нужны cmd, чтобы выбранная роль всегда имела секцию
func EnsureHub(cfg *Config) *HubConfig {
	h := ensureHub(cfg)
	ApplyDefaults(cfg)
	return h
}

func EnsurePeer(cfg *Config) *PeerConfig {
	p := ensurePeer(cfg)
	ApplyDefaults(cfg)
	return p
}
