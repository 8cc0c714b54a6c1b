package repository

// Dialect selects DDL for the queue store.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// seq is the insertion sequence and defines replay (store) order.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS queue_entries (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT    NOT NULL UNIQUE,
		action           TEXT    NOT NULL,
		collection       TEXT    NOT NULL,
		document_id      TEXT    NOT NULL,
		created_at       TEXT    NOT NULL,
		status           TEXT    NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		entity_type      TEXT    NOT NULL DEFAULT '',
		display_name     TEXT    NOT NULL DEFAULT '',
		description      TEXT    NOT NULL DEFAULT '',
		data             TEXT    NULL,
		last_error       TEXT    NULL,
		next_attempt_at  TEXT    NULL,
		needs_resolution INTEGER NOT NULL DEFAULT 0,
		updated_at       TEXT    NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_status ON queue_entries (status)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_document ON queue_entries (collection, document_id)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS queue_entries (
		seq              BIGINT       NOT NULL AUTO_INCREMENT,
		id               VARCHAR(64)  NOT NULL,
		action           VARCHAR(16)  NOT NULL,
		collection       VARCHAR(128) NOT NULL,
		document_id      VARCHAR(191) NOT NULL,
		created_at       VARCHAR(40)  NOT NULL,
		status           VARCHAR(16)  NOT NULL,
		retry_count      INT          NOT NULL DEFAULT 0,
		entity_type      VARCHAR(128) NOT NULL DEFAULT '',
		display_name     VARCHAR(255) NOT NULL DEFAULT '',
		description      TEXT         NOT NULL,
		data             LONGTEXT     NULL,
		last_error       TEXT         NULL,
		next_attempt_at  VARCHAR(40)  NULL,
		needs_resolution TINYINT(1)   NOT NULL DEFAULT 0,
		updated_at       VARCHAR(40)  NOT NULL,
		PRIMARY KEY (seq),
		UNIQUE KEY uq_queue_entries_id (id),
		KEY idx_queue_entries_status (status),
		KEY idx_queue_entries_document (collection, document_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

func schemaFor(d Dialect) []string {
	if d == DialectMySQL {
		return mysqlSchema
	}
	return sqliteSchema
}
