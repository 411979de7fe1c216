package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatorAcceptsDefaults(t *testing.T) {
	assert.NoError(t, NewValidator(DefaultConfig()).ValidateAll())
}

func TestValidatorRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Connection.Port = 0
	assert.Error(t, NewValidator(cfg).ValidateAll())
}

func TestValidatorRejectsZeroStreamLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Streams.DLQ.MaxLength = 0
	assert.Error(t, NewValidator(cfg).ValidateAll())
}

func TestValidatorRejectsInvertedBatchBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Batching.MinSize = cfg.Batching.DefaultSize + 1
	assert.Error(t, NewValidator(cfg).ValidateAll())
}

func TestValidatorRejectsMissingSQLStorePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.SQLStorePath = ""
	assert.Error(t, NewValidator(cfg).ValidateAll())
}
