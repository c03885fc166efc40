package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/norootfw/norootfw/tunnel"
)

const (
	SinkLog    = "log"
	SinkRemote = "remote"

	defaultHTTPAddr = "127.0.0.1:9460"
)

// FirewallConfig holds all configuration options for the firewall daemon
type FirewallConfig struct {
	// Tunnel settings
	Session       string   `json:"session"`
	Address       string   `json:"address"`
	Routes        []string `json:"routes"`
	MTU           int      `json:"mtu"`
	InterfaceName string   `json:"interface"`
	TunFd         string   `json:"tunFd,omitempty"`

	// Logging
	LogLevel string `json:"logLevel"`

	// API server
	EnableAPI  bool   `json:"enableApi"`
	HTTPAddr   string `json:"httpAddr"`
	SocketPath string `json:"socketPath"`

	// Decision sink
	Sink          string `json:"sink"`
	SinkEndpoint  string `json:"sinkEndpoint"`
	TlsClientCert string `json:"tlsClientCert"`

	// Ignored without the API: capture then starts immediately.
	AutoStart bool `json:"autoStart"`

	// Source tracking (not in JSON)
	sources map[string]string `json:"-"`

	// Profile tracking (not in JSON)
	activeProfile string `json:"-"`
}

// ConfigSource tracks where each config value came from
type ConfigSource string

const (
	SourceDefault ConfigSource = "default"
	SourceFile    ConfigSource = "file"
	SourceEnv     ConfigSource = "environment"
	SourceCLI     ConfigSource = "cli"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *FirewallConfig {
	tc := tunnel.DefaultConfig()
	config := &FirewallConfig{
		Session:       tc.Session,
		Address:       tunnel.DefaultAddress,
		Routes:        append([]string(nil), tunnel.DefaultRoutes...),
		MTU:           tunnel.DefaultMTU,
		InterfaceName: tc.InterfaceName,
		LogLevel:      "INFO",
		EnableAPI:     false,
		HTTPAddr:      defaultHTTPAddr,
		Sink:          SinkLog,
		AutoStart:     false,
		sources:       make(map[string]string),
		activeProfile: "default",
	}

	for _, key := range []string{"session", "address", "routes", "mtu", "interface", "logLevel",
		"enableApi", "httpAddr", "socketPath", "sink", "autoStart"} {
		config.sources[key] = string(SourceDefault)
	}

	return config
}

// getConfigDir returns the config directory path
func getConfigDir() string {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir != "" {
		return configDir
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "norootfw")
	case "windows":
		return filepath.Join(os.Getenv("PROGRAMDATA"), "norootfw")
	default: // linux and others
		return filepath.Join(os.Getenv("HOME"), ".config", "norootfw")
	}
}

// getConfigPath returns the path to the config file
// If profile is specified, returns config-{profile}.json
func getConfigPath(profile string) string {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile != "" {
		return configFile
	}

	configDir := getConfigDir()
	if profile != "" && profile != "default" {
		return filepath.Join(configDir, fmt.Sprintf("config-%s.json", profile))
	}

	return filepath.Join(configDir, "config.json")
}

// ListProfiles lists all available configuration profiles
func ListProfiles() ([]string, error) {
	entries, err := os.ReadDir(getConfigDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{"default"}, nil
		}
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}

	profiles := []string{}
	hasDefault := false

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if name == "config.json" {
			hasDefault = true
		} else if strings.HasPrefix(name, "config-") && strings.HasSuffix(name, ".json") {
			profileName := strings.TrimPrefix(name, "config-")
			profileName = strings.TrimSuffix(profileName, ".json")
			profiles = append(profiles, profileName)
		}
	}

	if hasDefault || len(profiles) == 0 {
		profiles = append([]string{"default"}, profiles...)
	}

	return profiles, nil
}

// LoadConfig loads configuration from file, env vars, and CLI args
// Priority: CLI args > Env vars > Config file > Defaults
// Returns: (config, showVersion, showConfig, listProfiles, error)
func LoadConfig(args []string) (*FirewallConfig, bool, bool, bool, error) {
	// First pass: check for profile flag
	profile := ""
	for i, arg := range args {
		if arg == "-profile" || arg == "--profile" {
			if i+1 < len(args) {
				profile = args[i+1]
			}
			break
		}
		if strings.HasPrefix(arg, "-profile=") {
			profile = strings.TrimPrefix(arg, "-profile=")
		}
		if strings.HasPrefix(arg, "--profile=") {
			profile = strings.TrimPrefix(arg, "--profile=")
		}
	}

	if profile == "" {
		profile = os.Getenv("NOROOTFW_PROFILE")
	}

	config := DefaultConfig()
	if profile != "" {
		config.activeProfile = profile
	}

	fileConfig, err := loadConfigFromFile(profile)
	if err != nil {
		return nil, false, false, false, fmt.Errorf("failed to load config file: %w", err)
	}
	if fileConfig != nil {
		mergeConfigs(config, fileConfig)
	}

	loadConfigFromEnv(config)

	showVersion, showConfig, listProfiles, err := loadConfigFromCLI(config, args)
	if err != nil {
		return nil, false, false, false, err
	}

	return config, showVersion, showConfig, listProfiles, nil
}

// loadConfigFromFile loads configuration from the JSON config file
func loadConfigFromFile(profile string) (*FirewallConfig, error) {
	data, err := os.ReadFile(getConfigPath(profile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // File doesn't exist, not an error
		}
		return nil, err
	}

	var config FirewallConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

func splitList(val string) []string {
	var out []string
	for _, s := range strings.Split(val, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(config *FirewallConfig) {
	if val := os.Getenv("SESSION_NAME"); val != "" {
		config.Session = val
		config.sources["session"] = string(SourceEnv)
	}
	if val := os.Getenv("TUN_ADDRESS"); val != "" {
		config.Address = val
		config.sources["address"] = string(SourceEnv)
	}
	if val := os.Getenv("TUN_ROUTES"); val != "" {
		config.Routes = splitList(val)
		config.sources["routes"] = string(SourceEnv)
	}
	if val := os.Getenv("MTU"); val != "" {
		if mtu, err := strconv.Atoi(val); err == nil {
			config.MTU = mtu
			config.sources["mtu"] = string(SourceEnv)
		} else {
			fmt.Printf("Invalid MTU value: %s, keeping current value\n", val)
		}
	}
	if val := os.Getenv("INTERFACE"); val != "" {
		config.InterfaceName = val
		config.sources["interface"] = string(SourceEnv)
	}
	if val := os.Getenv("NOROOTFW_TUN_FD"); val != "" {
		config.TunFd = val
		config.sources["tunFd"] = string(SourceEnv)
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.LogLevel = val
		config.sources["logLevel"] = string(SourceEnv)
	}
	if val := os.Getenv("ENABLE_API"); val == "true" {
		config.EnableAPI = true
		config.sources["enableApi"] = string(SourceEnv)
	}
	if val := os.Getenv("HTTP_ADDR"); val != "" {
		config.HTTPAddr = val
		config.sources["httpAddr"] = string(SourceEnv)
	}
	if val := os.Getenv("SOCKET_PATH"); val != "" {
		config.SocketPath = val
		config.sources["socketPath"] = string(SourceEnv)
	}
	if val := os.Getenv("SINK"); val != "" {
		config.Sink = val
		config.sources["sink"] = string(SourceEnv)
	}
	if val := os.Getenv("SINK_ENDPOINT"); val != "" {
		config.SinkEndpoint = val
		config.sources["sinkEndpoint"] = string(SourceEnv)
	}
	if val := os.Getenv("TLS_CLIENT_CERT"); val != "" {
		config.TlsClientCert = val
		config.sources["tlsClientCert"] = string(SourceEnv)
	}
	if val := os.Getenv("AUTO_START"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.AutoStart = b
			config.sources["autoStart"] = string(SourceEnv)
		} else {
			fmt.Printf("Invalid AUTO_START value: %s, keeping current value\n", val)
		}
	}
}

// loadConfigFromCLI loads configuration from command-line arguments
func loadConfigFromCLI(config *FirewallConfig, args []string) (bool, bool, bool, error) {
	serviceFlags := flag.NewFlagSet("norootfw", flag.ContinueOnError)

	routes := strings.Join(config.Routes, ",")
	orig := *config
	origRoutes := routes

	profileFlag := serviceFlags.String("profile", "", "Configuration profile to use (e.g., dev, prod, staging)")
	serviceFlags.StringVar(&config.Session, "session", config.Session, "Session name shown for the tunnel")
	serviceFlags.StringVar(&config.Address, "address", config.Address, "Tunnel interface address in CIDR form")
	serviceFlags.StringVar(&routes, "routes", routes, "Comma separated IPv4 prefixes routed into the tunnel")
	serviceFlags.IntVar(&config.MTU, "mtu", config.MTU, "MTU to use")
	serviceFlags.StringVar(&config.InterfaceName, "interface", config.InterfaceName, "Name of the tunnel interface")
	serviceFlags.StringVar(&config.TunFd, "tun-fd", config.TunFd, "Use an already configured tunnel file descriptor")
	serviceFlags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (DEBUG, INFO, WARN, ERROR, FATAL)")
	serviceFlags.BoolVar(&config.EnableAPI, "enable-api", config.EnableAPI, "Enable the control API")
	serviceFlags.StringVar(&config.HTTPAddr, "http-addr", config.HTTPAddr, "Control API address (e.g., '127.0.0.1:9460')")
	serviceFlags.StringVar(&config.SocketPath, "socket-path", config.SocketPath, "Serve the control API on a Unix socket or named pipe")
	serviceFlags.StringVar(&config.Sink, "sink", config.Sink, "Decision sink (log, remote)")
	serviceFlags.StringVar(&config.SinkEndpoint, "sink-endpoint", config.SinkEndpoint, "Remote decision sink URL")
	serviceFlags.StringVar(&config.TlsClientCert, "tls-client-cert", config.TlsClientCert, "PKCS12 client certificate for the remote sink")
	serviceFlags.BoolVar(&config.AutoStart, "auto-start", config.AutoStart, "Start capturing immediately when the API is enabled")

	version := serviceFlags.Bool("version", false, "Print the version")
	showConfig := serviceFlags.Bool("show-config", false, "Show configuration sources and exit")
	listProfiles := serviceFlags.Bool("list-profiles", false, "List available configuration profiles and exit")

	if err := serviceFlags.Parse(args); err != nil {
		return false, false, false, err
	}

	if *profileFlag != "" {
		config.activeProfile = *profileFlag
	}

	// Track which values were changed by CLI args
	if routes != origRoutes {
		config.Routes = splitList(routes)
		config.sources["routes"] = string(SourceCLI)
	}
	changed := map[string]bool{
		"session":       config.Session != orig.Session,
		"address":       config.Address != orig.Address,
		"mtu":           config.MTU != orig.MTU,
		"interface":     config.InterfaceName != orig.InterfaceName,
		"tunFd":         config.TunFd != orig.TunFd,
		"logLevel":      config.LogLevel != orig.LogLevel,
		"enableApi":     config.EnableAPI != orig.EnableAPI,
		"httpAddr":      config.HTTPAddr != orig.HTTPAddr,
		"socketPath":    config.SocketPath != orig.SocketPath,
		"sink":          config.Sink != orig.Sink,
		"sinkEndpoint":  config.SinkEndpoint != orig.SinkEndpoint,
		"tlsClientCert": config.TlsClientCert != orig.TlsClientCert,
		"autoStart":     config.AutoStart != orig.AutoStart,
	}
	for key, c := range changed {
		if c {
			config.sources[key] = string(SourceCLI)
		}
	}

	return *version, *showConfig, *listProfiles, nil
}

// mergeConfigs merges source config into destination (only non-empty values)
// Also tracks that these values came from a file
func mergeConfigs(dest, src *FirewallConfig) {
	if src.Session != "" {
		dest.Session = src.Session
		dest.sources["session"] = string(SourceFile)
	}
	if src.Address != "" {
		dest.Address = src.Address
		dest.sources["address"] = string(SourceFile)
	}
	if src.Routes != nil {
		dest.Routes = src.Routes
		dest.sources["routes"] = string(SourceFile)
	}
	if src.MTU != 0 {
		dest.MTU = src.MTU
		dest.sources["mtu"] = string(SourceFile)
	}
	if src.InterfaceName != "" {
		dest.InterfaceName = src.InterfaceName
		dest.sources["interface"] = string(SourceFile)
	}
	if src.TunFd != "" {
		dest.TunFd = src.TunFd
		dest.sources["tunFd"] = string(SourceFile)
	}
	if src.LogLevel != "" {
		dest.LogLevel = src.LogLevel
		dest.sources["logLevel"] = string(SourceFile)
	}
	if src.HTTPAddr != "" {
		dest.HTTPAddr = src.HTTPAddr
		dest.sources["httpAddr"] = string(SourceFile)
	}
	if src.SocketPath != "" {
		dest.SocketPath = src.SocketPath
		dest.sources["socketPath"] = string(SourceFile)
	}
	if src.Sink != "" {
		dest.Sink = src.Sink
		dest.sources["sink"] = string(SourceFile)
	}
	if src.SinkEndpoint != "" {
		dest.SinkEndpoint = src.SinkEndpoint
		dest.sources["sinkEndpoint"] = string(SourceFile)
	}
	if src.TlsClientCert != "" {
		dest.TlsClientCert = src.TlsClientCert
		dest.sources["tlsClientCert"] = string(SourceFile)
	}
	// For booleans, we always take the source value if explicitly set
	if src.EnableAPI {
		dest.EnableAPI = src.EnableAPI
		dest.sources["enableApi"] = string(SourceFile)
	}
	if src.AutoStart {
		dest.AutoStart = src.AutoStart
		dest.sources["autoStart"] = string(SourceFile)
	}
}

// Validate checks the values that cannot be checked by the flag parser.
func (c *FirewallConfig) Validate() error {
	switch c.Sink {
	case SinkLog:
	case SinkRemote:
		if c.SinkEndpoint == "" {
			return fmt.Errorf("sink %q requires a sink endpoint", SinkRemote)
		}
	default:
		return fmt.Errorf("unknown sink %q (want %s or %s)", c.Sink, SinkLog, SinkRemote)
	}
	_, err := c.TunnelConfig()
	return err
}

// TunnelConfig converts the tunnel settings to a tunnel.Config.
func (c *FirewallConfig) TunnelConfig() (tunnel.Config, error) {
	tc := tunnel.Config{
		Session:        c.Session,
		MTU:            c.MTU,
		InterfaceName:  c.InterfaceName,
		FileDescriptor: -1,
	}

	if c.TunFd != "" {
		fd, err := strconv.ParseUint(c.TunFd, 10, 31)
		if err != nil {
			return tunnel.Config{}, fmt.Errorf("invalid tunnel fd %q: %w", c.TunFd, err)
		}
		tc.FileDescriptor = int(fd)
	}

	var err error
	if tc.Address, err = tunnel.ParseAddress(c.Address); err != nil && tc.FileDescriptor < 0 {
		return tunnel.Config{}, err
	}
	if tc.Routes, err = tunnel.ParseRoutes(c.Routes); err != nil {
		return tunnel.Config{}, err
	}

	return tc, tc.Validate()
}

// SaveConfig saves the current configuration to the config file
func SaveConfig(config *FirewallConfig) error {
	configPath := getConfigPath(config.activeProfile)
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(configPath, data, 0644)
}

// ShowConfig prints the configuration and the source of each value
func (c *FirewallConfig) ShowConfig() {
	configPath := getConfigPath(c.activeProfile)

	fmt.Print("\n=== Firewall Configuration ===\n\n")
	fmt.Printf("Active Profile: %s\n", c.activeProfile)
	fmt.Printf("Config File: %s\n", configPath)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config File Status: ✓ exists\n")
	} else {
		fmt.Printf("Config File Status: ✗ not found\n")
	}

	fmt.Println("\n--- Configuration Values ---")
	fmt.Print("(Format: Setting = Value [source])\n\n")

	getSource := func(key string) string {
		if source, ok := c.sources[key]; ok {
			return source
		}
		return string(SourceDefault)
	}

	formatValue := func(value string) string {
		if value == "" {
			return "(not set)"
		}
		return value
	}

	fmt.Println("Tunnel:")
	fmt.Printf("  session      = %s [%s]\n", formatValue(c.Session), getSource("session"))
	fmt.Printf("  address      = %s [%s]\n", formatValue(c.Address), getSource("address"))
	fmt.Printf("  routes       = %s [%s]\n", formatValue(strings.Join(c.Routes, ",")), getSource("routes"))
	fmt.Printf("  mtu          = %d [%s]\n", c.MTU, getSource("mtu"))
	fmt.Printf("  interface    = %s [%s]\n", formatValue(c.InterfaceName), getSource("interface"))
	if c.TunFd != "" {
		fmt.Printf("  tun-fd       = %s [%s]\n", c.TunFd, getSource("tunFd"))
	}
	fmt.Printf("  auto-start   = %v [%s]\n", c.AutoStart, getSource("autoStart"))

	fmt.Println("\nLogging:")
	fmt.Printf("  log-level    = %s [%s]\n", c.LogLevel, getSource("logLevel"))

	fmt.Println("\nControl API:")
	fmt.Printf("  enable-api   = %v [%s]\n", c.EnableAPI, getSource("enableApi"))
	fmt.Printf("  http-addr    = %s [%s]\n", c.HTTPAddr, getSource("httpAddr"))
	fmt.Printf("  socket-path  = %s [%s]\n", formatValue(c.SocketPath), getSource("socketPath"))

	fmt.Println("\nDecision Sink:")
	fmt.Printf("  sink         = %s [%s]\n", c.Sink, getSource("sink"))
	fmt.Printf("  sink-endpoint = %s [%s]\n", formatValue(c.SinkEndpoint), getSource("sinkEndpoint"))
	if c.TlsClientCert != "" {
		fmt.Printf("  tls-cert     = %s [%s]\n", c.TlsClientCert, getSource("tlsClientCert"))
	}

	fmt.Println("\n--- Source Legend ---")
	fmt.Println("  default     = Built-in default value")
	fmt.Println("  file        = Loaded from config file")
	fmt.Println("  environment = Set via environment variable")
	fmt.Println("  cli         = Provided as command-line argument")
	fmt.Println("\nPriority: cli > environment > file > default")
	fmt.Println()
}

// ShowProfiles displays all available configuration profiles
func ShowProfiles() error {
	profiles, err := ListProfiles()
	if err != nil {
		return err
	}

	fmt.Print("\n=== Available Configuration Profiles ===\n\n")
	fmt.Printf("Config Directory: %s\n\n", getConfigDir())

	fmt.Println("Profiles:")
	for _, profile := range profiles {
		exists := "✗"
		if _, err := os.Stat(getConfigPath(profile)); err == nil {
			exists = "✓"
		}

		if profile == "default" {
			fmt.Printf("  %s %s (default)\n", exists, profile)
		} else {
			fmt.Printf("  %s %s\n", exists, profile)
		}
	}

	fmt.Println("\nUsage:")
	fmt.Println("  Use a profile:     norootfw -profile=<name>")
	fmt.Println("  Via environment:   export NOROOTFW_PROFILE=<name>")
	fmt.Println("  Create profile:    Copy config.json to config-<name>.json")
	fmt.Println()

	return nil
}
