package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTestDBConfig(t *testing.T) {
	t.Setenv("TEST_DB_HOST", "")
	t.Setenv("TEST_DB_PORT", "5432")
	cfg := defaultTestDBConfig()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, "5432", cfg.Port)
}

func TestBuildBaseDSN(t *testing.T) {
	t.Setenv("DB_SSL_MODE", "")
	dsn := buildBaseDSN(TestDBConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "n"})
	assert.Equal(t, "postgres://u:p@db:5432/n?sslmode=disable", dsn)
}

func TestEnvBool(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", "y"} {
		t.Setenv("TESTUTIL_FLAG", v)
		assert.True(t, envBool("TESTUTIL_FLAG"), v)
	}
	t.Setenv("TESTUTIL_FLAG", "off")
	assert.False(t, envBool("TESTUTIL_FLAG"))
}

func TestGenerateSchemaName(t *testing.T) {
	a, b := generateSchemaName(), generateSchemaName()
	assert.Regexp(t, `^t_[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
}
