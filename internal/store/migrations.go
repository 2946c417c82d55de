package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create businesses",
		SQL: `
			CREATE TABLE businesses (
				id          TEXT PRIMARY KEY,
				name        TEXT NOT NULL,
				phone       TEXT NOT NULL,
				category    TEXT NOT NULL,
				active      INTEGER NOT NULL DEFAULT 1,
				profile     TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			);

			CREATE UNIQUE INDEX idx_businesses_phone ON businesses (phone);
		`,
	},
	{
		Version: 2,
		Name:    "create calls and turns",
		SQL: `
			CREATE TABLE calls (
				call_id           TEXT PRIMARY KEY,
				business_id       TEXT NOT NULL,
				caller            TEXT NOT NULL DEFAULT '',
				destination       TEXT NOT NULL DEFAULT '',
				state             TEXT NOT NULL,
				turn_count        INTEGER NOT NULL DEFAULT 0,
				emergency         INTEGER NOT NULL DEFAULT 0,
				duration_seconds  INTEGER NOT NULL DEFAULT 0,
				started_at        TEXT NOT NULL,
				updated_at        TEXT NOT NULL,
				ended_at          TEXT
			);

			CREATE INDEX idx_calls_business ON calls (business_id, started_at);
			CREATE INDEX idx_calls_state ON calls (state);

			CREATE TABLE turns (
				call_id             TEXT NOT NULL REFERENCES calls(call_id) ON DELETE CASCADE,
				seq                 INTEGER NOT NULL,
				user_input          TEXT NOT NULL,
				assistant_response  TEXT NOT NULL,
				created_at          TEXT NOT NULL,
				PRIMARY KEY (call_id, seq)
			);
		`,
	},
	{
		Version: 3,
		Name:    "create transactions",
		SQL: `
			CREATE TABLE transactions (
				call_id        TEXT PRIMARY KEY REFERENCES calls(call_id) ON DELETE CASCADE,
				fields         TEXT NOT NULL,
				field_order    TEXT NOT NULL,
				caller         TEXT NOT NULL DEFAULT '',
				complete       INTEGER NOT NULL,
				raw_items      TEXT NOT NULL DEFAULT '',
				ambiguous      TEXT,
				extracted_at   TEXT NOT NULL,
				dispatched_at  TEXT
			);
		`,
	},
	{
		Version: 4,
		Name:    "add order status",
		SQL: `
			ALTER TABLE transactions ADD COLUMN status TEXT NOT NULL DEFAULT 'pending';
		`,
	},
}
