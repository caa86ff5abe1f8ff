package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Presence  PresenceConfig
	Geofence  GeofenceConfig
	Chat      ChatConfig
	Collab    CollabConfig `mapstructure:"collaborator"`
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type PresenceConfig struct {
	EvalInterval     time.Duration `mapstructure:"evalInterval"`
	OfflineThreshold time.Duration `mapstructure:"offlineThreshold"`
	IdleThreshold    time.Duration `mapstructure:"idleThreshold"`
}

// radii are in meters
type GeofenceConfig struct {
	CheckpointRadius  float64 `mapstructure:"checkpointRadius"`
	DestinationRadius float64 `mapstructure:"destinationRadius"`
}

type ChatConfig struct {
	// BufferSize bounds the recent-message buffer replayed to late joiners.
	BufferSize int `mapstructure:"bufferSize"`
}

type CollabConfig struct {
	BaseURL        string        `mapstructure:"baseURL"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
}

type LogConfig struct {
	Level string
}
