package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Signaling      SignalingConfig
	Rooms          RoomDefaults
	TURN           TURNConfig
	STUNServers    []string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Enabled reports whether the room directory mirror should be started.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// SignalingConfig holds the timings of the room registry and socket pumps.
type SignalingConfig struct {
	StaleConnectionTimeout time.Duration
	CleanupInterval        time.Duration
	RecoveryAttempts       int
	RecoveryDelay          time.Duration
	PingInterval           time.Duration
	IdleTimeout            time.Duration
}

type RoomDefaults struct {
	MaxUsers int
	MaxTexts int
}

type TURNConfig struct {
	Enabled  bool
	Port     int
	PublicIP string
	Realm    string
	Username string
	Password string
}

// PeerConfig is the configuration of a headless peer process.
type PeerConfig struct {
	SignalingURL      string
	ICE               ICEConfig
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	PositionSync      time.Duration
	DragSync          time.Duration
	SyncInterval      time.Duration
	WorkerTimeout     time.Duration
	MaxQueued         int
	MaxPeers          int
	GatherTimeout     time.Duration
	GatherExtension   time.Duration
}

type ICEConfig struct {
	STUNServers    []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173,http://localhost:*"))

	return &Config{
		Port:           getEnv("PORT", "9000"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Signaling: SignalingConfig{
			StaleConnectionTimeout: getDuration("STALE_CONNECTION_TIMEOUT", 30*time.Second),
			CleanupInterval:        getDuration("CLEANUP_INTERVAL", 10*time.Second),
			RecoveryAttempts:       getInt("RECOVERY_ATTEMPTS", 5),
			RecoveryDelay:          getDuration("RECOVERY_DELAY", 4*time.Second),
			PingInterval:           getDuration("PING_INTERVAL", 30*time.Second),
			IdleTimeout:            getDuration("IDLE_TIMEOUT", 120*time.Second),
		},
		Rooms: RoomDefaults{
			MaxUsers: getInt("DEFAULT_MAX_USERS", 10),
			MaxTexts: getInt("DEFAULT_MAX_TEXTS", 50),
		},
		TURN: TURNConfig{
			Enabled:  getBool("TURN_ENABLED", false),
			Port:     getInt("TURN_PORT", 3478),
			PublicIP: getEnv("TURN_PUBLIC_IP", ""),
			Realm:    getEnv("TURN_REALM", "textcloud"),
			Username: getEnv("TURN_USERNAME", "textcloud"),
			Password: getEnv("TURN_PASSWORD", "change-me-in-production"),
		},
		STUNServers: splitList(getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")),
	}
}

// LoadPeer reads the peer-side settings. Unset values fall back to the
// documented defaults.
func LoadPeer() *PeerConfig {
	return &PeerConfig{
		SignalingURL: getEnv("SIGNALING_SERVER_URL", "ws://localhost:9000"),
		ICE: ICEConfig{
			STUNServers:    splitList(getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302")),
			TURNURLs:       splitList(getEnv("TURN_URLS", "")),
			TURNUsername:   getEnv("TURN_USERNAME", ""),
			TURNCredential: getEnv("TURN_CREDENTIAL", ""),
		},
		ReconnectAttempts: getInt("RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    getDuration("RECONNECT_DELAY", time.Second),
		PositionSync:      getDuration("POSITION_SYNC_INTERVAL", 50*time.Millisecond),
		DragSync:          getDuration("DRAG_SYNC_INTERVAL", 50*time.Millisecond),
		SyncInterval:      getDuration("SYNC_INTERVAL", 50*time.Millisecond),
		WorkerTimeout:     getDuration("WORKER_TIMEOUT", 5*time.Second),
		MaxQueued:         getInt("MAX_QUEUED_MESSAGES", 1000),
		MaxPeers:          getInt("MAX_PEER_CONNECTIONS", 10),
		GatherTimeout:     getDuration("ICE_GATHER_TIMEOUT", 15*time.Second),
		GatherExtension:   getDuration("ICE_GATHER_EXTENSION", 8*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return n
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return b
	}
	return defaultValue
}

// getDuration accepts Go duration syntax ("50ms") or bare milliseconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
