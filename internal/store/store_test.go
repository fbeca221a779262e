package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUniqueKeyAndRecordKey(t *testing.T) {
	start := time.Unix(1700000000, 123456789).UTC()
	k := UniqueKey(1234, start)
	assert.Equal(t, "1234-1700000000123456789", k)

	// the key does not depend on the location of the start time
	assert.Equal(t, k, UniqueKey(1234, start.In(time.FixedZone("x", 3600))))

	r := Record{Service: "postgres", PID: 1234, StartedAt: start}
	assert.Equal(t, k, r.Key())
	assert.True(t, r.Running())

	r.ExitedAt = sql.NullTime{Time: start.Add(time.Second), Valid: true}
	assert.False(t, r.Running())
}
