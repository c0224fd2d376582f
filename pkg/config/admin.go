package config

import "time"

// AdminConfig holds runtime configuration for the admin API service.
type AdminConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	JWTSecret      string
	AccessTokenTTL time.Duration

	SitesRoot            string
	UploadSpoolDir       string
	MaxArchiveBytes      int64
	MaxUncompressedBytes int64
	MaxEntryCount        int
	KeepVersions         int
	DeployWorkers        int
	DeployTimeout        time.Duration

	DomainSuffix       string
	NginxConfigPath    string
	NginxContainerName string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAdminConfig constructs an AdminConfig from environment variables.
func LoadAdminConfig() AdminConfig {
	return AdminConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("ADMIN_ADDR", ":8000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://platform:platform@db:5432/platform?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		JWTSecret:      GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL: time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,

		SitesRoot:            GetString("SITES_ROOT", "/platform/sites"),
		UploadSpoolDir:       GetString("UPLOAD_SPOOL_DIR", "/platform/uploads"),
		MaxArchiveBytes:      GetInt64("MAX_ARCHIVE_BYTES", 128<<20),
		MaxUncompressedBytes: GetInt64("MAX_UNCOMPRESSED_BYTES", 512<<20),
		MaxEntryCount:        GetInt("MAX_ENTRY_COUNT", 10000),
		KeepVersions:         GetInt("KEEP_VERSIONS", 5),
		DeployWorkers:        GetInt("DEPLOY_WORKERS", 4),
		DeployTimeout:        time.Duration(GetInt("DEPLOY_TIMEOUT_SECONDS", 120)) * time.Second,

		DomainSuffix:       GetString("DOMAIN_SUFFIX", ".lan"),
		NginxConfigPath:    GetString("NGINX_CONFIG_PATH", "/etc/nginx/sites-enabled"),
		NginxContainerName: GetString("NGINX_CONTAINER_NAME", ""),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
