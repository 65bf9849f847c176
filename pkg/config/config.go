// Package config loads daemon configuration from an optional YAML file with
// environment variable overrides. Environment always wins; the file exists so
// deployments can keep non-secret settings in one place.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// PortManager configures the npportd daemon.
type PortManager struct {
	ListenAddr string `yaml:"listen_addr"`
	Token      string `yaml:"token"`
	RangeMin   int    `yaml:"port_range_min"`
	RangeMax   int    `yaml:"port_range_max"`
	StorePath  string `yaml:"store_path"`
	RedisAddr  string `yaml:"redis_addr"`
}

// Commands configures the npcmdd daemon.
type Commands struct {
	ListenAddr     string        `yaml:"listen_addr"`
	PortManagerURL string        `yaml:"port_manager_url"`
	PortMgrToken   string        `yaml:"port_manager_token"`
	RouterUser     string        `yaml:"router_ssh_user"`
	RouterPassword string        `yaml:"router_ssh_password"`
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
}

// API configures the npapi daemon.
type API struct {
	ListenAddr        string `yaml:"listen_addr"`
	PublicURL         string `yaml:"public_url"`
	CommandsServerURL string `yaml:"commands_server_url"`

	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBUsername string `yaml:"db_username"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`

	SecretKey         string `yaml:"secret_key"`
	TOTPEncryptionKey string `yaml:"totp_encryption_key"`
	AuditLog          string `yaml:"audit_log"`

	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`

	SessionTTL     time.Duration `yaml:"session_ttl"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// Agent configures the npagent CLI.
type Agent struct {
	CloudVMHost    string `yaml:"cloud_vm_ip"`
	CloudUser      string `yaml:"cloud_user"`
	CloudPassword  string `yaml:"cloud_password"`
	PortManagerURL string `yaml:"port_manager_url"`
	PortMgrToken   string `yaml:"port_manager_token"`
	RouterAddr     string `yaml:"router_addr"`
	RouterUser     string `yaml:"router_user"`
	RouterPassword string `yaml:"router_password"`
	StatePath      string `yaml:"state_path"`
}

// DatabaseURL assembles the pgx connection string.
func (c *API) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.DBUsername, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// Validate checks the startup invariants. The API refuses to start without
// its signing and encryption keys rather than generating throwaway ones.
func (c *API) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(c.SecretKey != "", "SECRET_KEY is required")
	v.Add(c.TOTPEncryptionKey != "", "TOTP_ENCRYPTION_KEY is required")
	v.Add(len(c.TOTPEncryptionKey) == 0 || len(c.TOTPEncryptionKey) == 32,
		"TOTP_ENCRYPTION_KEY must be exactly 32 bytes")
	v.Add(c.CommandsServerURL != "", "COMMANDS_SERVER_URL is required")
	v.Add(c.DBHost != "", "DB_HOST is required")
	v.Add(c.DBName != "", "DB_NAME is required")
	return v.Build()
}

// Validate checks the port range sanity.
func (c *PortManager) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(c.RangeMin >= 1024, "PORT_RANGE_MIN must be >= 1024")
	v.Add(c.RangeMax <= 65535, "PORT_RANGE_MAX must be <= 65535")
	v.Add(c.RangeMin <= c.RangeMax, "PORT_RANGE_MIN must not exceed PORT_RANGE_MAX")
	v.Add(c.StorePath != "" || c.RedisAddr != "", "one of store_path or redis_addr is required")
	return v.Build()
}

// Validate checks the commands-server invariants.
func (c *Commands) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(c.PortManagerURL != "", "PORT_MANAGER_URL is required")
	v.Add(c.RouterUser != "", "router_ssh_user is required")
	return v.Build()
}

// LoadPortManager reads npportd configuration.
func LoadPortManager(path string) (*PortManager, error) {
	c := &PortManager{
		ListenAddr: ":7401",
		RangeMin:   2200,
		RangeMax:   2399,
	}
	if err := loadFile(path, c); err != nil {
		return nil, err
	}
	overrideString(&c.ListenAddr, "PORT_MANAGER_LISTEN")
	overrideString(&c.Token, "PORT_MANAGER_TOKEN")
	overrideInt(&c.RangeMin, "PORT_RANGE_MIN")
	overrideInt(&c.RangeMax, "PORT_RANGE_MAX")
	overrideString(&c.StorePath, "PORT_MANAGER_STORE")
	overrideString(&c.RedisAddr, "PORT_MANAGER_REDIS")
	return c, nil
}

// LoadCommands reads npcmdd configuration.
func LoadCommands(path string) (*Commands, error) {
	c := &Commands{
		ListenAddr:     ":7402",
		SessionIdleTTL: 30 * time.Minute,
		CommandTimeout: 30 * time.Second,
		ScanTimeout:    60 * time.Second,
		RouterUser:     "root",
	}
	if err := loadFile(path, c); err != nil {
		return nil, err
	}
	overrideString(&c.ListenAddr, "COMMANDS_LISTEN")
	overrideString(&c.PortManagerURL, "PORT_MANAGER_URL")
	overrideString(&c.PortMgrToken, "PORT_MANAGER_TOKEN")
	overrideString(&c.RouterUser, "ROUTER_SSH_USER")
	overrideString(&c.RouterPassword, "ROUTER_SSH_PASSWORD")
	overrideDuration(&c.SessionIdleTTL, "SESSION_IDLE_TTL")
	overrideMillis(&c.CommandTimeout, "COMMAND_TIMEOUT_MS")
	return c, nil
}

// LoadAPI reads npapi configuration.
func LoadAPI(path string) (*API, error) {
	c := &API{
		ListenAddr:     ":7400",
		DBPort:         5432,
		SessionTTL:     24 * time.Hour,
		CommandTimeout: 35 * time.Second,
	}
	if err := loadFile(path, c); err != nil {
		return nil, err
	}
	overrideString(&c.ListenAddr, "API_LISTEN")
	overrideString(&c.PublicURL, "API_PUBLIC_URL")
	overrideString(&c.CommandsServerURL, "COMMANDS_SERVER_URL")
	overrideString(&c.DBHost, "DB_HOST")
	overrideInt(&c.DBPort, "DB_PORT")
	overrideString(&c.DBUsername, "DB_USERNAME")
	overrideString(&c.DBPassword, "DB_PASSWORD")
	overrideString(&c.DBName, "DB_NAME")
	overrideString(&c.SecretKey, "SECRET_KEY")
	overrideString(&c.TOTPEncryptionKey, "TOTP_ENCRYPTION_KEY")
	overrideString(&c.AuditLog, "AUDIT_LOG")
	overrideString(&c.GoogleClientID, "GOOGLE_CLIENT_ID")
	overrideString(&c.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	overrideDuration(&c.SessionTTL, "SESSION_TTL")
	overrideMillis(&c.CommandTimeout, "COMMAND_TIMEOUT_MS")
	return c, nil
}

// LoadAgent reads npagent configuration.
func LoadAgent(path string) (*Agent, error) {
	c := &Agent{
		RouterAddr: "192.168.1.1",
		RouterUser: "root",
	}
	if err := loadFile(path, c); err != nil {
		return nil, err
	}
	overrideString(&c.CloudVMHost, "CLOUD_VM_IP")
	overrideString(&c.CloudUser, "CLOUD_USER")
	overrideString(&c.CloudPassword, "CLOUD_PASSWORD")
	overrideString(&c.PortManagerURL, "PORT_MANAGER_URL")
	overrideString(&c.PortMgrToken, "PORT_MANAGER_TOKEN")
	overrideString(&c.RouterAddr, "ROUTER_ADDR")
	overrideString(&c.RouterUser, "ROUTER_USER")
	overrideString(&c.RouterPassword, "ROUTER_PASSWORD")
	overrideString(&c.StatePath, "NETPILOT_STATE")
	return c, nil
}

// loadFile merges a YAML file into c. A missing path or file is not an error.
func loadFile(path string, c interface{}) error {
	if path == "" {
		path = os.Getenv("NETPILOT_CONFIG")
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			util.Warnf("config: ignoring %s=%q: %v", key, v, err)
		}
	}
}

func overrideDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			util.Warnf("config: ignoring %s=%q: %v", key, v, err)
		}
	}
}

func overrideMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		} else {
			util.Warnf("config: ignoring %s=%q: %v", key, v, err)
		}
	}
}
