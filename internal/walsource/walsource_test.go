package walsource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{SlotName: "s", PublicationName: "p"}.withDefaults()
	assert.Equal(t, 10*time.Second, cfg.StandbyUpdateInterval)

	cfg = Config{SlotName: "s", PublicationName: "p", StandbyUpdateInterval: 3 * time.Second}.withDefaults()
	assert.Equal(t, 3*time.Second, cfg.StandbyUpdateInterval)
}

// Run and Start drive a real *pgconn.PgConn opened in replication mode, so
// they have no unit test here with a fake connection — pgconn.PgConn has
// no exported interface seam to substitute a fake transport behind.
