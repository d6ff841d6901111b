package store

const schema = `
-- Features table: the durable backlog.
CREATE TABLE IF NOT EXISTS features (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    category TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL UNIQUE,
    passes INTEGER NOT NULL DEFAULT 0,
    verification_command TEXT,
    last_error TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_features_passes ON features(passes);
CREATE INDEX IF NOT EXISTS idx_features_category ON features(category);

-- Ordered implementation steps per feature.
CREATE TABLE IF NOT EXISTS feature_steps (
    feature_id INTEGER NOT NULL,
    position INTEGER NOT NULL,
    step TEXT NOT NULL,
    PRIMARY KEY (feature_id, position),
    FOREIGN KEY (feature_id) REFERENCES features(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_feature_steps_feature ON feature_steps(feature_id);
`
