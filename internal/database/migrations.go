package database

const schema = `
CREATE TABLE IF NOT EXISTS extracted_codes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recipient TEXT NOT NULL,
    sender TEXT NOT NULL,
    code TEXT NOT NULL,
    folder TEXT NOT NULL,
    strategy TEXT NOT NULL,
    uid INTEGER NOT NULL,
    received_at DATETIME,
    extracted_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    attempts INTEGER DEFAULT 1,
    elapsed_ms INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_codes_recipient ON extracted_codes(recipient, extracted_at);
`
