package config

import "fmt"

// Validator checks a resolved Config for internally-consistent values.
type Validator struct {
	cfg *Config
}

// NewValidator creates a Validator bound to cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every validation rule, returning the first failure.
func (v *Validator) ValidateAll() error {
	if err := v.validateRedis(); err != nil {
		return err
	}
	if err := v.validateStreams(); err != nil {
		return err
	}
	if err := v.validateBatching(); err != nil {
		return err
	}
	if err := v.validatePaths(); err != nil {
		return err
	}
	return nil
}

func (v *Validator) validateRedis() error {
	c := v.cfg.Redis.Connection
	if c.Host == "" {
		return NewValidationError("redis.connection", "host", ErrMissingRequiredField)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewValidationError("redis.connection", "port", fmt.Errorf("%w: %d", ErrInvalidValue, c.Port))
	}
	if v.cfg.Redis.ConnectionPool.MaxConnections <= 0 {
		return NewValidationError("redis.connection_pool", "max_connections", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateStreams() error {
	for name, s := range map[string]StreamConfig{
		"streams.events":        v.cfg.Streams.Events,
		"streams.cdc":           v.cfg.Streams.CDC,
		"streams.dlq":           v.cfg.Streams.DLQ,
		"streams.message_queue": v.cfg.Streams.MessageQueue,
	} {
		if s.MaxLength <= 0 {
			return NewValidationError(name, "max_length", ErrInvalidValue)
		}
		if s.Count <= 0 {
			return NewValidationError(name, "count", ErrInvalidValue)
		}
	}
	return nil
}

func (v *Validator) validateBatching() error {
	b := v.cfg.Batching
	if b.MinSize <= 0 || b.MinSize > b.DefaultSize {
		return NewValidationError("batching", "min_size", ErrInvalidValue)
	}
	if b.MaxSize < b.DefaultSize {
		return NewValidationError("batching", "max_size", ErrInvalidValue)
	}
	if b.TargetLatency <= 0 {
		return NewValidationError("batching", "target_latency", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validatePaths() error {
	if v.cfg.Paths.SQLStorePath == "" {
		return NewValidationError("paths", "sql_store_path", ErrMissingRequiredField)
	}
	return nil
}
