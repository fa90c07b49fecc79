package account

import "time"

type Config struct {
	JWTSecret  string        `env:"AUTH_JWT_SECRET,required"`
	Issuer     string        `env:"AUTH_ISSUER" envDefault:"quotagate"`
	SessionTTL time.Duration `env:"AUTH_SESSION_TTL" envDefault:"24h"`
}
