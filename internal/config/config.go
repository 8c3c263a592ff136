package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// keyDelimiter keeps dotted keys such as "strategy.history.max.window" flat,
// so "strategy" can hold the strategy name and still prefix other keys.
const keyDelimiter = "::"

// Config holds all configuration for the application.
// The file is a flat string-keyed mapping; sections are squashed views over it.
type Config struct {
	Strategy string `mapstructure:"strategy"`
	Exchange string `mapstructure:"exchange"`
	Tickers  string `mapstructure:"tickers"`
	DataDir  string `mapstructure:"data.dir"`

	Logger    Logger    `mapstructure:",squash"`
	API       API       `mapstructure:",squash"`
	Huobi     Huobi     `mapstructure:",squash"`
	Order     Order     `mapstructure:",squash"`
	Feed      Feed      `mapstructure:",squash"`
	Websocket Websocket `mapstructure:",squash"`
	Trading   Trading   `mapstructure:",squash"`
	Broker    Broker    `mapstructure:",squash"`
	Risk      Risk      `mapstructure:",squash"`
	History   History   `mapstructure:",squash"`
	Persist   Persist   `mapstructure:",squash"`
	S3        S3        `mapstructure:",squash"`
	Metrics   Metrics   `mapstructure:",squash"`
	Watchdog  Watchdog  `mapstructure:",squash"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"logger.level"`
	Format string `mapstructure:"logger.format"`
}

// API holds the configuration for the status server.
type API struct {
	Port int `mapstructure:"api.port"`
}

// Huobi holds credentials and endpoints of the Huobi venue.
type Huobi struct {
	Key            string        `mapstructure:"huobi.connector.key"`
	Secret         string        `mapstructure:"huobi.connector.secret"`
	Host           string        `mapstructure:"huobi.host"`
	SpotHost       string        `mapstructure:"huobi.spot.host"`
	AccountID      int64         `mapstructure:"broker.huobi.account.id"`
	HTTPTimeout    time.Duration `mapstructure:"exchange.http.timeout"`
	RateLimit      float64       `mapstructure:"huobi.rate_limit"`
	RateLimitBurst int           `mapstructure:"huobi.rate_limit_burst"`
}

// Order holds order sizing and rounding.
type Order struct {
	Quantity        float64 `mapstructure:"order.quantity"`
	PricePrecision  int32   `mapstructure:"price.precision"`
	AmountPrecision int32   `mapstructure:"amount.precision"`
}

// Feed holds stream window configuration.
type Feed struct {
	CandlesPeriods []string      `mapstructure:"feed.candles.periods"`
	CandlesCounts  []int         `mapstructure:"feed.candles.counts"`
	MaxStaleness   time.Duration `mapstructure:"feed.max_staleness"`
}

// Websocket holds connection supervision settings.
type Websocket struct {
	ResubscribeInterval time.Duration `mapstructure:"websocket.resubscribe.interval"`
	MaxBackoff          time.Duration `mapstructure:"websocket.max_backoff"`
}

// Trading holds the configuration for the learn/predict loop and signal policy.
type Trading struct {
	HistoryMinWindow    time.Duration `mapstructure:"strategy.history.min.window"`
	HistoryMaxWindow    time.Duration `mapstructure:"strategy.history.max.window"`
	PredictWindow       time.Duration `mapstructure:"strategy.predict.window"`
	LearnInterval       time.Duration `mapstructure:"strategy.learn.interval"`
	LearnEpochs         int           `mapstructure:"strategy.learn.epochs"`
	LearningRate        float64       `mapstructure:"strategy.learning.rate"`
	MinXYLen            int           `mapstructure:"strategy.min_xy_len"`
	ProfitLossRatio     float64       `mapstructure:"strategy.profitloss.ratio"`
	StopLossMinCoeff    float64       `mapstructure:"strategy.stoploss.min.coeff"`
	StopLossMaxCoeff    float64       `mapstructure:"strategy.stoploss.max.coeff"`
	StopLossAddRatio    float64       `mapstructure:"strategy.stoploss.add.ratio"`
	ProfitMinCoeff      float64       `mapstructure:"strategy.profit.min.coeff"`
	ProfitMaxCoeff      float64       `mapstructure:"strategy.profit.max.coeff"`
	TakeProfitMinCoeff  float64       `mapstructure:"strategy.take_profit.min.coeff"`
	TakeProfitMaxCoeff  float64       `mapstructure:"strategy.take_profit.max.coeff"`
	CollectRaw          bool          `mapstructure:"strategy.collect.raw"`
	ProcessWaitInterval time.Duration `mapstructure:"strategy.process.wait"`
}

// Broker holds order state machine settings.
type Broker struct {
	AllowTrade            bool          `mapstructure:"broker.trade.allow"`
	MinTradeInterval      time.Duration `mapstructure:"broker.min_trade_interval"`
	Fee                   float64       `mapstructure:"broker.fee"`
	StopLossSlippage      float64       `mapstructure:"broker.sl.slippage"`
	SyntheticTakeProfit   bool          `mapstructure:"broker.take_profit.synthetic"`
	StatusInterval        time.Duration `mapstructure:"broker.status.interval"`
	OrderRequestTimeout   time.Duration `mapstructure:"broker.order.timeout"`
	FillConfirmationDelay time.Duration `mapstructure:"broker.fill.confirmation.delay"`
}

// Risk holds the risk manager policy.
type Risk struct {
	WaitAfterLoss time.Duration `mapstructure:"riskmanager.wait_after_loss"`
}

// History holds archive reconciliation settings.
type History struct {
	Enabled        bool          `mapstructure:"history.enabled"`
	Kinds          []string      `mapstructure:"history.kinds"`
	ReloadInterval time.Duration `mapstructure:"history.reload.interval"`
	RawPrefix      string        `mapstructure:"history.raw.prefix"`
}

// Persist holds periodic writer settings.
type Persist struct {
	Interval  time.Duration `mapstructure:"persist.interval"`
	ModelKeep int           `mapstructure:"persist.model.keep"`
}

// S3 holds optional object storage mirroring settings.
type S3 struct {
	Enabled     bool   `mapstructure:"s3.enabled"`
	AccessKey   string `mapstructure:"s3.access_key"`
	SecretKey   string `mapstructure:"s3.secret_key"`
	EndpointURL string `mapstructure:"s3.endpoint_url"`
	Bucket      string `mapstructure:"s3.bucket"`
	Prefix      string `mapstructure:"s3.prefix"`
}

// Metrics holds the metrics publishing mode.
type Metrics struct {
	Type         string        `mapstructure:"metrics.type"`
	PushURL      string        `mapstructure:"metrics.push.url"`
	PushInterval time.Duration `mapstructure:"metrics.push.interval"`
}

// Watchdog holds liveness probe timings.
type Watchdog struct {
	Warmup   time.Duration `mapstructure:"watchdog.warmup"`
	Interval time.Duration `mapstructure:"watchdog.interval"`
}

// MetricsPushToGateway is the metrics.type value selecting push mode.
const MetricsPushToGateway = "push_to_gateway"

// TickerList splits the comma-separated tickers.
func (c *Config) TickerList() []string {
	var out []string
	for _, t := range strings.Split(c.Tickers, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// TradingTicker is the last configured ticker.
func (c *Config) TradingTicker() string {
	tickers := c.TickerList()
	if len(tickers) == 0 {
		return ""
	}
	return tickers[len(tickers)-1]
}

// StrategyDir is <data.dir>/<strategy>.
func (c *Config) StrategyDir() string {
	return filepath.Join(c.DataDir, c.Strategy)
}

// DatabaseDSN is the sqlite file of the strategy.
func (c *Config) DatabaseDSN() string {
	return filepath.Join(c.StrategyDir(), c.Strategy+".db")
}

// Validate reports the first missing mandatory key.
func (c *Config) Validate() error {
	switch {
	case c.Strategy == "":
		return errors.New("missing config key: strategy")
	case c.Exchange == "":
		return errors.New("missing config key: exchange")
	case c.TradingTicker() == "":
		return errors.New("missing config key: tickers")
	case c.DataDir == "":
		return errors.New("missing config key: data.dir")
	case c.Trading.HistoryMaxWindow < c.Trading.HistoryMinWindow:
		return fmt.Errorf("strategy.history.max.window %s is less than strategy.history.min.window %s",
			c.Trading.HistoryMaxWindow, c.Trading.HistoryMinWindow)
	case len(c.Feed.CandlesCounts) > 0 && len(c.Feed.CandlesCounts) != len(c.Feed.CandlesPeriods):
		return errors.New("feed.candles.counts must match feed.candles.periods")
	case c.S3.Enabled && c.S3.Bucket == "":
		return errors.New("missing config key: s3.bucket")
	}
	return nil
}

// ParseFlags parses the command line surface: --config and --strategy.
func ParseFlags(args []string) (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("trader", pflag.ContinueOnError)
	fs.String("config", "configs/config.yml", "path to the config file")
	fs.String("strategy", "", "strategy name, overrides the config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs, nil
}

// LoadConfig reads configuration from file or environment variables.
// Flags, when given, override the file.
func LoadConfig(path string, flags *pflag.FlagSet) (config Config, err error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigFile(path)
	v.SetConfigType("yml")

	// Credentials may live in a .env next to the config file.
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(envFile); statErr == nil {
		if err = godotenv.Load(envFile); err != nil {
			return config, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		return config, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if flags != nil {
		if f := flags.Lookup("strategy"); f != nil && f.Changed {
			v.Set("strategy", f.Value.String())
		}
	}

	err = v.Unmarshal(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy", "")
	v.SetDefault("exchange", "huobi")
	v.SetDefault("tickers", "")
	v.SetDefault("data.dir", "data")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("api.port", 0)

	v.SetDefault("huobi.connector.key", "")
	v.SetDefault("huobi.connector.secret", "")
	v.SetDefault("huobi.host", "api.hbdm.com")
	v.SetDefault("huobi.spot.host", "api.huobi.pro")
	v.SetDefault("broker.huobi.account.id", 0)
	v.SetDefault("exchange.http.timeout", 10*time.Second)
	v.SetDefault("huobi.rate_limit", 10)     // requests per second
	v.SetDefault("huobi.rate_limit_burst", 5) // burst size

	v.SetDefault("order.quantity", 0.0)
	v.SetDefault("price.precision", 2)
	v.SetDefault("amount.precision", 2)

	v.SetDefault("feed.candles.periods", []string{"1min"})
	v.SetDefault("feed.candles.counts", []int{})
	v.SetDefault("feed.max_staleness", 5*time.Minute)
	v.SetDefault("websocket.resubscribe.interval", 60*time.Second)
	v.SetDefault("websocket.max_backoff", 30*time.Second)

	v.SetDefault("strategy.history.min.window", 10*time.Minute)
	v.SetDefault("strategy.history.max.window", 15*time.Minute)
	v.SetDefault("strategy.predict.window", 10*time.Second)
	v.SetDefault("strategy.learn.interval", 60*time.Second)
	v.SetDefault("strategy.learn.epochs", 200)
	v.SetDefault("strategy.learning.rate", 0.05)
	v.SetDefault("strategy.min_xy_len", 2)
	v.SetDefault("strategy.profitloss.ratio", 4.0)
	v.SetDefault("strategy.stoploss.min.coeff", 0.0)
	v.SetDefault("strategy.stoploss.max.coeff", 0.0)
	v.SetDefault("strategy.stoploss.add.ratio", 0.25)
	v.SetDefault("strategy.profit.min.coeff", 0.0)
	v.SetDefault("strategy.profit.max.coeff", 0.0)
	v.SetDefault("strategy.take_profit.min.coeff", 0.0)
	v.SetDefault("strategy.take_profit.max.coeff", 0.0)
	v.SetDefault("strategy.collect.raw", false)
	v.SetDefault("strategy.process.wait", time.Second)

	v.SetDefault("broker.trade.allow", false)
	v.SetDefault("broker.min_trade_interval", 10*time.Second)
	v.SetDefault("broker.fee", 0.0005)
	v.SetDefault("broker.sl.slippage", 0.001)
	v.SetDefault("broker.take_profit.synthetic", false)
	v.SetDefault("broker.status.interval", 60*time.Second)
	v.SetDefault("broker.order.timeout", 10*time.Second)
	v.SetDefault("broker.fill.confirmation.delay", 0)
	v.SetDefault("riskmanager.wait_after_loss", 0)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.kinds", []string{"bid_ask"})
	v.SetDefault("history.reload.interval", 5*time.Minute)
	v.SetDefault("history.raw.prefix", "data/raw")

	v.SetDefault("persist.interval", 60*time.Second)
	v.SetDefault("persist.model.keep", 1)

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.endpoint_url", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")

	v.SetDefault("metrics.type", "http")
	v.SetDefault("metrics.push.url", "")
	v.SetDefault("metrics.push.interval", 15*time.Second)

	v.SetDefault("watchdog.warmup", 60*time.Second)
	v.SetDefault("watchdog.interval", 60*time.Second)
}
