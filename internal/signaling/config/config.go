package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Config holds the agent configuration
type Config struct {
	// SIP settings
	Port          int
	BindAddr      string // Address to bind for listening
	AdvertiseAddr string // Address to advertise in SIP headers and SDP
	LogLevel      string

	// Outbound leg
	Destination     string // URI or user part dialed for every inbound call
	AccountUser     string
	AccountPassword string
	AccountHost     string
	RegisterAccount bool // keep the account registered with AccountHost
	RegisterExpiry  int
	EnableRegistrar bool // answer REGISTER from local phones

	// Treatments
	AnnouncementPath     string
	AnnouncementDuration time.Duration
	RingbackFreq1        float64
	RingbackFreq2        float64
	RingbackOn           time.Duration
	RingbackOff          time.Duration

	// Media
	RTPPortMin int
	RTPPortMax int

	// Admin surface
	APIAddr    string // empty disables the HTTP API
	HealthAddr string // empty disables gRPC health

	MaxCallsPerSecond float64
	DialTimeout       time.Duration
}

// Load loads configuration from command line flags and environment variables
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:], os.Getenv)
}

// LoadArgs parses args, then applies environment overrides read through getenv.
func LoadArgs(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("backtoback", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")

	fs.StringVar(&cfg.Destination, "destination", "", "URI or extension dialed for each inbound call")
	fs.StringVar(&cfg.AccountUser, "account-user", "", "Account user for outbound calls")
	fs.StringVar(&cfg.AccountPassword, "account-password", "", "Account password for digest authentication")
	fs.StringVar(&cfg.AccountHost, "account-host", "", "Account host (registrar and outbound proxy)")
	fs.BoolVar(&cfg.RegisterAccount, "register-account", false, "Register the account with its host")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", 300, "Requested registration expiry in seconds")
	fs.BoolVar(&cfg.EnableRegistrar, "registrar", true, "Answer REGISTER requests from local phones")

	fs.StringVar(&cfg.AnnouncementPath, "announcement", "", "WAV clip played to the caller before dialing")
	fs.DurationVar(&cfg.AnnouncementDuration, "announcement-duration", 3*time.Second, "How long the announcement plays")
	fs.Float64Var(&cfg.RingbackFreq1, "ringback-freq1", 440, "Ringback first frequency (Hz)")
	fs.Float64Var(&cfg.RingbackFreq2, "ringback-freq2", 480, "Ringback second frequency (Hz)")
	fs.DurationVar(&cfg.RingbackOn, "ringback-on", 2*time.Second, "Ringback tone on time")
	fs.DurationVar(&cfg.RingbackOff, "ringback-off", 4*time.Second, "Ringback tone off time")

	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", 10000, "Lowest RTP port")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", 20000, "Highest RTP port")

	fs.StringVar(&cfg.APIAddr, "api", ":8080", "HTTP admin API address (empty to disable)")
	fs.StringVar(&cfg.HealthAddr, "health", ":9090", "gRPC health address (empty to disable)")
	fs.Float64Var(&cfg.MaxCallsPerSecond, "max-cps", 0, "Maximum new inbound calls per second (0 = unlimited)")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", 60*time.Second, "Time to wait for the callee to answer")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Override with environment variables if set
	envInt(getenv, "PORT", &cfg.Port)
	envString(getenv, "BIND", &cfg.BindAddr)
	envString(getenv, "ADVERTISE", &cfg.AdvertiseAddr)
	envString(getenv, "LOGLEVEL", &cfg.LogLevel)
	envString(getenv, "DESTINATION", &cfg.Destination)
	envString(getenv, "ACCOUNT_USER", &cfg.AccountUser)
	envString(getenv, "ACCOUNT_PASSWORD", &cfg.AccountPassword)
	envString(getenv, "ACCOUNT_HOST", &cfg.AccountHost)
	envBool(getenv, "REGISTER_ACCOUNT", &cfg.RegisterAccount)
	envBool(getenv, "REGISTRAR", &cfg.EnableRegistrar)
	envString(getenv, "ANNOUNCEMENT", &cfg.AnnouncementPath)
	envDuration(getenv, "ANNOUNCEMENT_DURATION", &cfg.AnnouncementDuration)
	envInt(getenv, "RTP_PORT_MIN", &cfg.RTPPortMin)
	envInt(getenv, "RTP_PORT_MAX", &cfg.RTPPortMax)
	envString(getenv, "API_ADDR", &cfg.APIAddr)
	envString(getenv, "HEALTH_ADDR", &cfg.HealthAddr)

	// Validate and fallback to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.RTPPortMin <= 0 || c.RTPPortMax > 65535 || c.RTPPortMin >= c.RTPPortMax {
		errs = append(errs, fmt.Errorf("invalid RTP port range %d-%d", c.RTPPortMin, c.RTPPortMax))
	}
	if c.AnnouncementDuration < 0 {
		errs = append(errs, errors.New("announcement duration must not be negative"))
	}
	if c.RingbackFreq1 <= 0 || c.RingbackOn <= 0 || c.RingbackOff < 0 {
		errs = append(errs, errors.New("ringback needs a positive frequency and on time"))
	}
	if c.MaxCallsPerSecond < 0 {
		errs = append(errs, errors.New("max-cps must not be negative"))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, errors.New("dial timeout must be positive"))
	}
	if c.RegisterAccount && (c.AccountUser == "" || c.AccountHost == "") {
		errs = append(errs, errors.New("register-account needs account-user and account-host"))
	}
	return errors.Join(errs...)
}

func envString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func envInt(getenv func(string) string, key string, dst *int) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(getenv func(string) string, key string, dst *bool) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(getenv func(string) string, key string, dst *time.Duration) {
	if v := getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
