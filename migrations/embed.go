// Package migrations embeds the schema files applied by the migrate command.
package migrations

import "embed"

//go:embed *.sql clickhouse/*.sql
var FS embed.FS

const (
	MySQL      = "001_init.sql"
	ClickHouse = "clickhouse/001_events.sql"
)
