package db

const schemaSQL = `
CREATE TABLE IF NOT EXISTS dlna_profiles (
	profile_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	identification TEXT NOT NULL,
	supported_media_types TEXT NOT NULL,
	direct_play_types TEXT NOT NULL,
	requires_escaped_metadata INTEGER NOT NULL DEFAULT 0,
	protocol_info TEXT,
	auto_created INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlna_profiles_name ON dlna_profiles(name);
`
