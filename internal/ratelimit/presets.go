package ratelimit

import (
	"strings"
	"time"
)

// Preset names, also used as bucket key prefixes and metric labels.
const (
	PresetAuth     = "auth"
	PresetRegister = "register"
	PresetAPI      = "api"
	PresetGeneral  = "general"
)

// Presets holds the four named limits.
type Presets struct {
	Auth     Config `mapstructure:"auth"`
	Register Config `mapstructure:"register"`
	API      Config `mapstructure:"api"`
	General  Config `mapstructure:"general"`
}

// DefaultPresets: AUTH 5/15min, REGISTER 3/1h, API 100/15min, GENERAL 300/15min.
func DefaultPresets() Presets {
	return Presets{
		Auth:     Config{Name: PresetAuth, MaxRequests: 5, Window: 15 * time.Minute},
		Register: Config{Name: PresetRegister, MaxRequests: 3, Window: time.Hour},
		API:      Config{Name: PresetAPI, MaxRequests: 100, Window: 15 * time.Minute},
		General:  Config{Name: PresetGeneral, MaxRequests: 300, Window: 15 * time.Minute},
	}
}

// Named fills in the preset names, which are not part of the config file.
func (p Presets) Named() Presets {
	p.Auth.Name = PresetAuth
	p.Register.Name = PresetRegister
	p.API.Name = PresetAPI
	p.General.Name = PresetGeneral
	return p
}

// All returns the presets in a fixed order.
func (p Presets) All() []Config {
	return []Config{p.Auth, p.Register, p.API, p.General}
}

// ForPath picks the preset for a request path.
func (p Presets) ForPath(path string) Config {
	path = strings.ToLower(path)
	switch {
	case hasAnyPrefix(path, "/api/auth/login", "/api/auth/signin"):
		return p.Auth
	case hasAnyPrefix(path, "/api/auth/register", "/api/auth/signup"):
		return p.Register
	case strings.HasPrefix(path, "/api/"):
		return p.API
	default:
		return p.General
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
