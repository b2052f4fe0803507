package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildUpdate(t *testing.T) {
	q, args := buildUpdate("supply_data", "code", Row{"code": "JT1", "slot_id": "7", "weight": "1.2"})
	assert.Equal(t, `UPDATE "supply_data" SET "slot_id" = $1, "weight" = $2 WHERE "code" = $3`, q)
	assert.Equal(t, []any{"7", "1.2", "JT1"}, args)
}

func TestBuildInsert(t *testing.T) {
	q, args := buildInsert("pic", Row{"short_url": "u", "code": "JT1"})
	assert.Equal(t, `INSERT INTO "pic" ("code", "short_url") VALUES ($1, $2)`, q)
	assert.Equal(t, []any{"JT1", "u"}, args)
}

func TestIdentifiersAreQuoted(t *testing.T) {
	assert.Equal(t, `SELECT "short_url" FROM "pic" WHERE "code"";drop" = $1 LIMIT 1`,
		buildSelect("pic", "short_url", `code";drop`))
}
