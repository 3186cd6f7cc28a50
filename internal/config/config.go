package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cafe-settlement/pkg/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config содержит все конфигурационные параметры приложения
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Telegram   TelegramConfig
	Settlement SettlementConfig
	Schedule   ScheduleConfig
}

type AppConfig struct {
	Env      string
	LogLevel string
	Port     int
	// WebhookSecret ключ HMAC-подписи входящих событий; пусто - проверка выключена
	WebhookSecret string
}

type DatabaseConfig struct {
	Driver        string // postgres или memory
	Host          string
	Port          int
	User          string
	Password      string
	Name          string
	SSLMode       string
	MigrationPath string
	MaxConns      int
}

// RedisConfig содержит настройки распределенной блокировки заказов
type RedisConfig struct {
	URL     string
	LockTTL time.Duration
}

// TelegramConfig содержит настройки доставки кодов подтверждения
type TelegramConfig struct {
	BotToken string
}

// SettlementConfig бизнес-параметры расчетов
type SettlementConfig struct {
	// LevelRates ставки комиссии в процентах, индекс 0 - уровень 1
	LevelRates               []decimal.Decimal
	OtpTTL                   time.Duration
	OtpRequiredCustomerTypes []string
	// LeadershipRates процент прибыли заказа для ближайшего держателя ранга
	LeadershipRates    map[models.RankTier]decimal.Decimal
	ChequeMatchRate    decimal.Decimal
	PoolQualifyingTier models.RankTier
	LeadershipPoolTier models.RankTier
	TaxAccountUserID   int64
	RankRules          []models.RankRule
	RankRequirePaid    bool
	BatchSize          int
}

// ScheduleConfig cron-расписания фоновых обходов
type ScheduleConfig struct {
	RankSweep  string
	PoolSweep  string
	OtpSweep   string
	RetrySweep string
}

const defaultRankRules = "three_star:3:10:10000;five_star:5:30:50000;seven_star:7:75:150000;mega_star:10:200:500000;giga_star:15:500:1500000"

// Load загружает конфигурацию из переменных окружения и .env
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// App
	cfg.App.Env = getEnvDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvDefault("LOG_LEVEL", "info")
	cfg.App.Port = getEnvIntDefault("APP_PORT", 8080)
	cfg.App.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	// Database
	cfg.Database.Driver = getEnvDefault("DB_DRIVER", "postgres")
	cfg.Database.Host = getEnvDefault("DB_HOST", "localhost")
	cfg.Database.Port = getEnvIntDefault("DB_PORT", 5432)
	cfg.Database.User = os.Getenv("DB_USER")
	cfg.Database.Password = os.Getenv("DB_PASSWORD")
	cfg.Database.Name = os.Getenv("DB_NAME")
	cfg.Database.SSLMode = getEnvDefault("DB_SSL_MODE", "disable")
	cfg.Database.MigrationPath = getEnvDefault("MIGRATION_PATH", "scripts/migrations")
	cfg.Database.MaxConns = getEnvIntDefault("DB_MAX_CONNS", 10)

	// Redis
	cfg.Redis.URL = os.Getenv("REDIS_URL")
	cfg.Redis.LockTTL = getEnvDurationDefault("ORDER_LOCK_TTL", 30*time.Second)

	// Telegram
	cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	// Settlement
	var err error
	s := &cfg.Settlement
	if s.LevelRates, err = parseRates(getEnvDefault("COMMISSION_LEVEL_RATES", "10,5,3,2,1")); err != nil {
		return nil, fmt.Errorf("ошибка разбора COMMISSION_LEVEL_RATES: %w", err)
	}
	if maxDepth := getEnvIntDefault("COMMISSION_MAX_DEPTH", 0); maxDepth > 0 && maxDepth < len(s.LevelRates) {
		s.LevelRates = s.LevelRates[:maxDepth]
	}
	s.OtpTTL = getEnvDurationDefault("OTP_TTL", 10*time.Minute)
	s.OtpRequiredCustomerTypes = getEnvListDefault("OTP_REQUIRED_CUSTOMER_TYPES", "guest")

	leadership, err := parseRates(getEnvDefault("LEADERSHIP_TIER_RATES", "1,1,1,1,1"))
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора LEADERSHIP_TIER_RATES: %w", err)
	}
	if len(leadership) != len(models.RankTiers) {
		return nil, fmt.Errorf("LEADERSHIP_TIER_RATES должен содержать %d ставок", len(models.RankTiers))
	}
	s.LeadershipRates = make(map[models.RankTier]decimal.Decimal, len(leadership))
	for i, tier := range models.RankTiers {
		s.LeadershipRates[tier] = leadership[i]
	}

	if s.ChequeMatchRate, err = decimal.NewFromString(getEnvDefault("CHEQUE_MATCH_RATE", "2")); err != nil {
		return nil, fmt.Errorf("ошибка разбора CHEQUE_MATCH_RATE: %w", err)
	}
	if s.PoolQualifyingTier, err = models.ParseRankTier(getEnvDefault("POOL_QUALIFYING_TIER", "mega_star")); err != nil {
		return nil, fmt.Errorf("ошибка разбора POOL_QUALIFYING_TIER: %w", err)
	}
	if s.LeadershipPoolTier, err = models.ParseRankTier(getEnvDefault("LEADERSHIP_POOL_TIER", "three_star")); err != nil {
		return nil, fmt.Errorf("ошибка разбора LEADERSHIP_POOL_TIER: %w", err)
	}
	s.TaxAccountUserID = int64(getEnvIntDefault("TAX_ACCOUNT_USER_ID", 1))
	if s.RankRules, err = ParseRankRules(getEnvDefault("RANK_RULES", defaultRankRules)); err != nil {
		return nil, fmt.Errorf("ошибка разбора RANK_RULES: %w", err)
	}
	s.RankRequirePaid = getEnvBoolDefault("RANK_REQUIRE_PAID", true)
	s.BatchSize = getEnvIntDefault("SWEEP_BATCH_SIZE", 500)

	// Schedule
	cfg.Schedule.RankSweep = getEnvDefault("RANK_SWEEP_CRON", "*/5 * * * *")
	cfg.Schedule.PoolSweep = getEnvDefault("POOL_SWEEP_CRON", "0 2 * * *")
	cfg.Schedule.OtpSweep = getEnvDefault("OTP_SWEEP_CRON", "* * * * *")
	cfg.Schedule.RetrySweep = getEnvDefault("RETRY_SWEEP_CRON", "*/10 * * * *")

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("ошибка валидации конфигурации: %w", err)
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvListDefault(key, def string) []string {
	var out []string
	for _, item := range strings.Split(getEnvDefault(key, def), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseRates разбирает список процентных ставок через запятую
func parseRates(v string) ([]decimal.Decimal, error) {
	var rates []decimal.Decimal
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		r, err := decimal.NewFromString(item)
		if err != nil {
			return nil, fmt.Errorf("ставка %q: %w", item, err)
		}
		if r.IsNegative() {
			return nil, fmt.Errorf("ставка %q отрицательная", item)
		}
		rates = append(rates, r)
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("пустой список ставок")
	}
	return rates, nil
}

// ParseRankRules разбирает правила рангов вида tier:min_direct:min_team:min_volume;...
func ParseRankRules(v string) ([]models.RankRule, error) {
	var rules []models.RankRule
	for _, item := range strings.Split(v, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("правило %q: ожидается 4 поля", item)
		}
		tier, err := models.ParseRankTier(parts[0])
		if err != nil {
			return nil, err
		}
		if tier == models.RankNone {
			return nil, fmt.Errorf("правило %q: ранг none не назначается", item)
		}
		direct, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("правило %q: %w", item, err)
		}
		team, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("правило %q: %w", item, err)
		}
		volume, err := decimal.NewFromString(parts[3])
		if err != nil {
			return nil, fmt.Errorf("правило %q: %w", item, err)
		}
		rules = append(rules, models.RankRule{Tier: tier, MinDirect: direct, MinTeam: team, MinTeamVolume: volume})
	}
	return rules, nil
}

// validateConfig проверяет корректность конфигурации
func validateConfig(config *Config) error {
	switch config.Database.Driver {
	case "postgres":
		if config.Database.Host == "" {
			return fmt.Errorf("DB_HOST не установлен")
		}
		if config.Database.User == "" {
			return fmt.Errorf("DB_USER не установлен")
		}
		if config.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD не установлен")
		}
		if config.Database.Name == "" {
			return fmt.Errorf("DB_NAME не установлен")
		}
	case "memory":
	default:
		return fmt.Errorf("поддерживаются только DB_DRIVER: postgres, memory")
	}
	if len(config.Settlement.LevelRates) == 0 {
		return fmt.Errorf("COMMISSION_LEVEL_RATES не установлен")
	}
	if config.Settlement.OtpTTL <= 0 {
		return fmt.Errorf("OTP_TTL должен быть положительным")
	}
	if config.Settlement.TaxAccountUserID <= 0 {
		return fmt.Errorf("TAX_ACCOUNT_USER_ID не установлен")
	}
	if config.Settlement.ChequeMatchRate.IsNegative() {
		return fmt.Errorf("CHEQUE_MATCH_RATE отрицательный")
	}
	if config.Settlement.BatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE должен быть положительным")
	}

	return nil
}

// MaxDepth глубина цепочки комиссий (L_max)
func (c *SettlementConfig) MaxDepth() int {
	return len(c.LevelRates)
}

// RateForLevel ставка комиссии для уровня, начиная с 1
func (c *SettlementConfig) RateForLevel(level int) decimal.Decimal {
	if level < 1 || level > len(c.LevelRates) {
		return decimal.Zero
	}
	return c.LevelRates[level-1]
}

// OtpRequired требует ли тип клиента подтверждения кодом
func (c *SettlementConfig) OtpRequired(customerType string) bool {
	for _, t := range c.OtpRequiredCustomerTypes {
		if strings.EqualFold(t, customerType) {
			return true
		}
	}
	return false
}

// GetDSN возвращает строку подключения к базе данных
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// IsDevelopment проверяет, запущено ли приложение в режиме разработки
func (c *AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction проверяет, запущено ли приложение в продакшн режиме
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// GetLogLevel возвращает уровень логирования в формате zap
func (c *AppConfig) GetLogLevel() zap.AtomicLevel {
	switch c.LogLevel {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}
