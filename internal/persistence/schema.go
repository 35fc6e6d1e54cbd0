package persistence

// schemaVersion is the current migration level, tracked as the
// "schema_version" row in settings, per spec §6.
const schemaVersion = "1"

const schemaDDL = `
CREATE TABLE IF NOT EXISTS downloads (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	file_path       TEXT NOT NULL,
	file_name       TEXT NOT NULL,
	total_size      INTEGER NOT NULL,
	downloaded_size INTEGER NOT NULL,
	state           TEXT NOT NULL,
	supports_ranges INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	content_type    TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS segments (
	download_id  TEXT NOT NULL,
	id           INTEGER NOT NULL,
	start_byte   INTEGER NOT NULL,
	end_byte     INTEGER NOT NULL,
	current_byte INTEGER NOT NULL,
	state        TEXT NOT NULL,
	checksum     INTEGER NOT NULL,
	temp_file    TEXT NOT NULL,
	retry_count  INTEGER NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (download_id, id),
	FOREIGN KEY (download_id) REFERENCES downloads(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const pragmaDDL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA foreign_keys = ON;
`
