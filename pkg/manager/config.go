package manager

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/callstate/pkg/call"
	"github.com/arzzra/callstate/pkg/logger"
)

// Config конфигурация менеджера звонков
type Config struct {
	// DuplicateDisconnectPolicy "ignore" или "count"
	DuplicateDisconnectPolicy string `yaml:"duplicate_disconnect_policy"`

	// MaxDuplicateDisconnects лимит повторных disconnect при политике count
	MaxDuplicateDisconnects int `yaml:"max_duplicate_disconnects"`

	// MaxIllegalTransitions после стольких отклоненных событий звонок
	// завершается событием Error. 0 отключает принудительное завершение.
	MaxIllegalTransitions int `yaml:"max_illegal_transitions"`

	// AutoRelease удалять запись после доставки директив завершения
	AutoRelease bool `yaml:"auto_release"`

	// DispatchWorkers число горутин доставки директив.
	// Директивы одного звонка всегда идут через один worker.
	DispatchWorkers int `yaml:"dispatch_workers"`

	// QueueWarnThreshold размер очереди worker'а, после которого пишется предупреждение
	QueueWarnThreshold int `yaml:"queue_warn_threshold"`

	Metrics MetricsConfig `yaml:"metrics"`
	Log     logger.Config `yaml:"log"`
}

// MetricsConfig конфигурация системы метрик
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultMaxIllegalTransitions лимит недопустимых событий подряд по умолчанию
const DefaultMaxIllegalTransitions = 5

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	policy := call.DefaultPolicy()
	return &Config{
		DuplicateDisconnectPolicy: policy.DuplicateDisconnect.String(),
		MaxDuplicateDisconnects:   policy.MaxDuplicateDisconnects,
		MaxIllegalTransitions:     DefaultMaxIllegalTransitions,
		AutoRelease:               true,
		DispatchWorkers:           4,
		QueueWarnThreshold:        1024,
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "callstate",
			Subsystem: "call",
		},
		Log: logger.DefaultConfig(),
	}
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if _, err := call.ParseDuplicateDisconnectPolicy(c.DuplicateDisconnectPolicy); err != nil {
		return err
	}
	if c.MaxDuplicateDisconnects < 0 {
		return fmt.Errorf("max_duplicate_disconnects must not be negative, got %d", c.MaxDuplicateDisconnects)
	}
	if c.MaxIllegalTransitions < 0 {
		return fmt.Errorf("max_illegal_transitions must not be negative, got %d", c.MaxIllegalTransitions)
	}
	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("dispatch_workers must be positive, got %d", c.DispatchWorkers)
	}
	if c.QueueWarnThreshold < 0 {
		return fmt.Errorf("queue_warn_threshold must not be negative, got %d", c.QueueWarnThreshold)
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return fmt.Errorf("metrics namespace is required when metrics are enabled")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Policy собирает политику машины состояний
func (c *Config) Policy() (call.Policy, error) {
	mode, err := call.ParseDuplicateDisconnectPolicy(c.DuplicateDisconnectPolicy)
	if err != nil {
		return call.Policy{}, err
	}
	return call.Policy{
		DuplicateDisconnect:     mode,
		MaxDuplicateDisconnects: c.MaxDuplicateDisconnects,
	}, nil
}

// LoadConfig читает YAML поверх DefaultConfig. Отсутствующий файл не ошибка.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}
