package db

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/campaign-mailer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := NewRedis(config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	assert.NoError(t, rdb.Close())
}

func TestNewRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := NewMySQL(config.DatabaseConfig{})
	assert.EqualError(t, err, "empty mysql DSN")
}
