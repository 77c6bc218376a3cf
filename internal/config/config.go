package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Core
	SlackBotToken      string `env:"SLACK_BOT_TOKEN,required"`
	SlackSigningSecret string `env:"SLACK_SIGNING_SECRET,required"`
	OpenAIKey          string `env:"OPENAI_API_KEY,required"`
	OpenAIModel        string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`

	// DatabaseURL points at the bot's own analytics storage (sessions,
	// interaction log, query patterns). WarehouseURL points at the analytical
	// database user questions are answered from.
	DatabaseURL  string `env:"DATABASE_URL,required"`
	WarehouseURL string `env:"WAREHOUSE_URL,required"`

	// Schema documentation
	DocsDir string `env:"DOCS_DIR" envDefault:"./docs"`

	// Server
	Port int `env:"PORT" envDefault:"3000"`

	// Conversation behavior
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"30m"`
	HistoryLimit   int           `env:"HISTORY_LIMIT" envDefault:"5"`
	HistoryWindow  time.Duration `env:"HISTORY_WINDOW" envDefault:"30m"`

	// SQL generation
	SQLMaxRetries      int           `env:"SQL_MAX_RETRIES" envDefault:"10"`
	StatementTimeout   time.Duration `env:"STATEMENT_TIMEOUT" envDefault:"30s"`
	DiscoveryEnabled   bool          `env:"DISCOVERY_ENABLED" envDefault:"false"`
	DiscoveryMaxTables int           `env:"DISCOVERY_MAX_TABLES" envDefault:"3"`

	// Warehouse schemas visible to discovery and table bookkeeping.
	WarehouseSchemas []string `env:"WAREHOUSE_SCHEMAS" envSeparator:"," envDefault:"olap_schema,raw"`

	// Identifier enrichment
	EnrichEnabled      bool     `env:"ENRICH_ENABLED" envDefault:"true"`
	EnrichLookupTable  string   `env:"ENRICH_LOOKUP_TABLE" envDefault:"raw.user"`
	EnrichLookupKey    string   `env:"ENRICH_LOOKUP_KEY" envDefault:"id"`
	EnrichLookupLabels []string `env:"ENRICH_LOOKUP_LABELS" envSeparator:"," envDefault:"firstname,lastname"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
