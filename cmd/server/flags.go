package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultServerPort = "8080"
	defaultCSVPath    = "./notes.csv"
	defaultSessionTTL = 24 * time.Hour
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute
	defaultLogLevel   = "info"

	// Переменные окружения.
	envConfigFile    = "CONFIG_FILE"
	envServerPort    = "SERVER_PORT"
	envTLSCertFile   = "TLS_CERT_FILE"
	envTLSKeyFile    = "TLS_KEY_FILE"
	envCSVPath       = "CSV_PATH"
	envAllowOrigin   = "ALLOW_ORIGIN"
	envPassword      = "APP_PASSWORD"   //nolint:gosec // Имя переменной окружения
	envAPIToken      = "API_TOKEN"      //nolint:gosec // Имя переменной окружения
	envSessionSecret = "SESSION_SECRET" //nolint:gosec // Имя переменной окружения
	envSessionTTL    = "SESSION_TTL"
	envRateLimit     = "RATE_LIMIT"
	envRateWindow    = "RATE_WINDOW"
	envCookieSecure  = "COOKIE_SECURE"
	envLogLevel      = "LOG_LEVEL"
	envTrustProxy    = "TRUST_PROXY"

	envMinioEndpoint = "MINIO_ENDPOINT"
	envMinioUser     = "MINIO_USER"
	envMinioPassword = "MINIO_PASSWORD" //nolint:gosec // Имя переменной окружения
	envMinioBucket   = "MINIO_BUCKET"
	envMinioUseSSL   = "MINIO_USE_SSL"
)

// config хранит конфигурацию сервера.
type config struct {
	Port        string
	CertFile    string
	KeyFile     string
	CSVPath     string
	AllowOrigin string
	// TrustProxy включает разбор X-Forwarded-For/X-Real-IP. Только за доверенным прокси.
	TrustProxy  bool

	Password      string
	APIToken      string
	SessionSecret string
	SessionTTL    time.Duration
	CookieSecure  bool

	RateLimit  int
	RateWindow time.Duration
	LogLevel   string

	Minio minioConfig
}

// minioConfig включает выгрузку копий файла данных, если задан Endpoint.
type minioConfig struct {
	Endpoint string
	User     string
	Password string
	Bucket   string
	UseSSL   bool
}

// TLSEnabled сообщает, заданы ли сертификат и ключ.
func (c *config) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// fileConfig - структура YAML-файла конфигурации. Длительности задаются строками ("24h").
type fileConfig struct {
	Server struct {
		Port        string `yaml:"port"`
		CertFile    string `yaml:"cert_file"`
		KeyFile     string `yaml:"key_file"`
		AllowOrigin string `yaml:"allow_origin"`
		LogLevel    string `yaml:"log_level"`
		TrustProxy  *bool  `yaml:"trust_proxy"`
	} `yaml:"server"`
	Storage struct {
		CSVPath string `yaml:"csv_path"`
	} `yaml:"storage"`
	Auth struct {
		Password      string `yaml:"password"`
		APIToken      string `yaml:"api_token"`
		SessionSecret string `yaml:"session_secret"`
		SessionTTL    string `yaml:"session_ttl"`
		CookieSecure  *bool  `yaml:"cookie_secure"`
		RateLimit     *int   `yaml:"rate_limit"`
		RateWindow    string `yaml:"rate_window"`
	} `yaml:"auth"`
	Minio struct {
		Endpoint string `yaml:"endpoint"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Bucket   string `yaml:"bucket"`
		UseSSL   *bool  `yaml:"use_ssl"`
	} `yaml:"minio"`
}

// parseFlags собирает конфигурацию: значения по умолчанию, затем YAML-файл,
// затем переменные окружения, затем флаги. Секреты задаются только в файле или окружении.
func parseFlags(args []string) (*config, error) {
	cfg := &config{
		Port:       defaultServerPort,
		CSVPath:    defaultCSVPath,
		SessionTTL: defaultSessionTTL,
		RateLimit:  defaultRateLimit,
		RateWindow: defaultRateWindow,
		LogLevel:   defaultLogLevel,
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		configFile   string
		port         string
		certFile     string
		keyFile      string
		csvPath      string
		allowOrigin  string
		logLevel     string
		sessionTTL   time.Duration
		rateLimit    int
		rateWindow   time.Duration
		cookieSecure bool
		trustProxy   bool
	)
	fs.StringVar(&configFile, "config", "", fmt.Sprintf("Путь к YAML-файлу конфигурации (env: %s)", envConfigFile))
	fs.StringVar(&port, "port", "", fmt.Sprintf("Порт сервера (env: %s, default: %s)", envServerPort, defaultServerPort))
	fs.StringVar(&certFile, "cert-file", "", fmt.Sprintf("Путь к файлу TLS-сертификата (env: %s)", envTLSCertFile))
	fs.StringVar(&keyFile, "key-file", "", fmt.Sprintf("Путь к файлу TLS-ключа (env: %s)", envTLSKeyFile))
	fs.StringVar(&csvPath, "csv-path", "", fmt.Sprintf("Путь к файлу данных (env: %s, default: %s)", envCSVPath, defaultCSVPath))
	fs.StringVar(&allowOrigin, "allow-origin", "", fmt.Sprintf("Разрешенный CORS origin (env: %s)", envAllowOrigin))
	fs.StringVar(&logLevel, "log-level", "", fmt.Sprintf("Уровень логирования (env: %s)", envLogLevel))
	fs.DurationVar(&sessionTTL, "session-ttl", 0, fmt.Sprintf("Время жизни сессии (env: %s)", envSessionTTL))
	fs.IntVar(&rateLimit, "rate-limit", 0, fmt.Sprintf("Запросов в окне на клиента, 0 - без ограничения (env: %s)", envRateLimit))
	fs.DurationVar(&rateWindow, "rate-window", 0, fmt.Sprintf("Окно ограничения запросов (env: %s)", envRateWindow))
	fs.BoolVar(&cookieSecure, "cookie-secure", false, fmt.Sprintf("Атрибут Secure у cookie сессии (env: %s)", envCookieSecure))
	fs.BoolVar(&trustProxy, "trust-proxy", false,
		fmt.Sprintf("Брать IP клиента из заголовков прокси (env: %s)", envTrustProxy))

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("ошибка разбора флагов: %w", err)
	}

	if configFile == "" {
		configFile = os.Getenv(envConfigFile)
	}
	if configFile != "" {
		if err := applyFile(cfg, configFile); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	setString := func(name string, dst *string, value string) {
		if set[name] {
			*dst = value
		}
	}
	setString("port", &cfg.Port, port)
	setString("cert-file", &cfg.CertFile, certFile)
	setString("key-file", &cfg.KeyFile, keyFile)
	setString("csv-path", &cfg.CSVPath, csvPath)
	setString("allow-origin", &cfg.AllowOrigin, allowOrigin)
	setString("log-level", &cfg.LogLevel, logLevel)
	if set["session-ttl"] {
		cfg.SessionTTL = sessionTTL
	}
	if set["rate-limit"] {
		cfg.RateLimit = rateLimit
	}
	if set["rate-window"] {
		cfg.RateWindow = rateWindow
	}
	if set["cookie-secure"] {
		cfg.CookieSecure = cookieSecure
	}
	if set["trust-proxy"] {
		cfg.TrustProxy = trustProxy
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	if c.Password == "" {
		return errors.New("не задан пароль входа (" + envPassword + ")")
	}
	if c.APIToken == "" {
		return errors.New("не задан машинный токен (" + envAPIToken + ")")
	}
	if c.SessionSecret == "" {
		return errors.New("не задан ключ подписи сессий (" + envSessionSecret + ")")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("для TLS нужны оба файла: сертификат (--cert-file или " + envTLSCertFile +
			") и ключ (--key-file или " + envTLSKeyFile + ")")
	}
	if c.SessionTTL <= 0 {
		return errors.New("время жизни сессии должно быть положительным")
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		return errors.New("окно ограничения запросов должно быть положительным")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// applyFile применяет значения из YAML-файла. Подстановки ${VAR} раскрываются из окружения.
func applyFile(cfg *config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}
	var fc fileConfig
	if err = yaml.Unmarshal([]byte(expandEnvVars(string(data))), &fc); err != nil {
		return fmt.Errorf("ошибка разбора файла конфигурации %s: %w", path, err)
	}

	setIfNotEmpty(&cfg.Port, fc.Server.Port)
	setIfNotEmpty(&cfg.CertFile, fc.Server.CertFile)
	setIfNotEmpty(&cfg.KeyFile, fc.Server.KeyFile)
	setIfNotEmpty(&cfg.AllowOrigin, fc.Server.AllowOrigin)
	setIfNotEmpty(&cfg.LogLevel, fc.Server.LogLevel)
	setIfNotEmpty(&cfg.CSVPath, fc.Storage.CSVPath)
	setIfNotEmpty(&cfg.Password, fc.Auth.Password)
	setIfNotEmpty(&cfg.APIToken, fc.Auth.APIToken)
	setIfNotEmpty(&cfg.SessionSecret, fc.Auth.SessionSecret)
	setIfNotEmpty(&cfg.Minio.Endpoint, fc.Minio.Endpoint)
	setIfNotEmpty(&cfg.Minio.User, fc.Minio.User)
	setIfNotEmpty(&cfg.Minio.Password, fc.Minio.Password)
	setIfNotEmpty(&cfg.Minio.Bucket, fc.Minio.Bucket)
	if fc.Server.TrustProxy != nil {
		cfg.TrustProxy = *fc.Server.TrustProxy
	}
	if fc.Auth.CookieSecure != nil {
		cfg.CookieSecure = *fc.Auth.CookieSecure
	}
	if fc.Auth.RateLimit != nil {
		cfg.RateLimit = *fc.Auth.RateLimit
	}
	if fc.Minio.UseSSL != nil {
		cfg.Minio.UseSSL = *fc.Minio.UseSSL
	}
	if err = parseDurationInto(&cfg.SessionTTL, "auth.session_ttl", fc.Auth.SessionTTL); err != nil {
		return err
	}
	if err = parseDurationInto(&cfg.RateWindow, "auth.rate_window", fc.Auth.RateWindow); err != nil {
		return err
	}
	slog.Info("Загружен файл конфигурации", "path", path)
	return nil
}

// applyEnv применяет заданные переменные окружения.
func applyEnv(cfg *config) error {
	for env, dst := range map[string]*string{
		envServerPort:    &cfg.Port,
		envTLSCertFile:   &cfg.CertFile,
		envTLSKeyFile:    &cfg.KeyFile,
		envCSVPath:       &cfg.CSVPath,
		envAllowOrigin:   &cfg.AllowOrigin,
		envPassword:      &cfg.Password,
		envAPIToken:      &cfg.APIToken,
		envSessionSecret: &cfg.SessionSecret,
		envLogLevel:      &cfg.LogLevel,
		envMinioEndpoint: &cfg.Minio.Endpoint,
		envMinioUser:     &cfg.Minio.User,
		envMinioPassword: &cfg.Minio.Password,
		envMinioBucket:   &cfg.Minio.Bucket,
	} {
		if value, ok := os.LookupEnv(env); ok {
			*dst = value
		}
	}

	for env, dst := range map[string]*time.Duration{
		envSessionTTL: &cfg.SessionTTL,
		envRateWindow: &cfg.RateWindow,
	} {
		if err := parseDurationInto(dst, env, os.Getenv(env)); err != nil {
			return err
		}
	}

	if value, ok := os.LookupEnv(envRateLimit); ok {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("некорректное значение %s %q: %w", envRateLimit, value, err)
		}
		cfg.RateLimit = n
	}
	for env, dst := range map[string]*bool{
		envCookieSecure: &cfg.CookieSecure,
		envTrustProxy:   &cfg.TrustProxy,
		envMinioUseSSL:  &cfg.Minio.UseSSL,
	} {
		value, ok := os.LookupEnv(env)
		if !ok || value == "" {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("некорректное значение %s %q: %w", env, value, err)
		}
		*dst = b
	}
	return nil
}

func setIfNotEmpty(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func parseDurationInto(dst *time.Duration, name, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("некорректная длительность %s %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars заменяет ${VAR} значениями переменных окружения.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("некорректный уровень логирования %q", s)
	}
	return level, nil
}
