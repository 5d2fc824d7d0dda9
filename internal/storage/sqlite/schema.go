package sqlite

const schema = `
-- Source files referenced by the pipeline
CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_path TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'processed', 'failed'))
);

-- Points of Interest extracted by file analysis.
-- hash = digest(file_path, name, type, start_line); unique within a run so
-- duplicate extraction collapses to one row.
CREATE TABLE IF NOT EXISTS pois (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id INTEGER NOT NULL REFERENCES files(id),
    file_path TEXT NOT NULL,
    name TEXT NOT NULL CHECK(length(name) > 0),
    type TEXT NOT NULL,
    start_line INTEGER NOT NULL CHECK(start_line > 0),
    end_line INTEGER NOT NULL CHECK(end_line >= start_line),
    description TEXT NOT NULL DEFAULT '',
    is_exported INTEGER NOT NULL DEFAULT 0,
    semantic_id TEXT NOT NULL DEFAULT '',
    llm_output TEXT NOT NULL DEFAULT '',
    hash TEXT NOT NULL,
    run_id TEXT NOT NULL,
    UNIQUE(run_id, hash)
);

CREATE INDEX IF NOT EXISTS idx_pois_run_semantic ON pois(run_id, semantic_id);
CREATE INDEX IF NOT EXISTS idx_pois_run_name ON pois(run_id, name);

-- Directed edges between POIs. Both endpoints must exist in the same run.
CREATE TABLE IF NOT EXISTS relationships (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_poi_id INTEGER NOT NULL REFERENCES pois(id),
    target_poi_id INTEGER NOT NULL REFERENCES pois(id),
    type TEXT NOT NULL CHECK(length(type) > 0),
    file_path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'validated', 'cross_file_validated', 'failed')),
    confidence REAL NOT NULL DEFAULT 0.8 CHECK(confidence >= 0.0 AND confidence <= 1.0),
    reason TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL,
    cross_file INTEGER NOT NULL DEFAULT 0,
    UNIQUE(source_poi_id, target_poi_id, type)
);

CREATE INDEX IF NOT EXISTS idx_relationships_run_status ON relationships(run_id, status);

-- Transactional outbox: durable pending side effects, polled by the publisher
CREATE TABLE IF NOT EXISTS outbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'published', 'failed')),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
CREATE INDEX IF NOT EXISTS idx_outbox_status_type ON outbox(status, event_type);

-- Expected vs. actual validation evidence per relationship hash
CREATE TABLE IF NOT EXISTS relationship_evidence_tracking (
    run_id TEXT NOT NULL,
    relationship_hash TEXT NOT NULL,
    expected_count INTEGER NOT NULL DEFAULT 0,
    actual_count INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, relationship_hash)
);

-- Directory summaries, upsert-by-key
CREATE TABLE IF NOT EXISTS directory_summaries (
    run_id TEXT NOT NULL,
    directory_path TEXT NOT NULL,
    summary_text TEXT NOT NULL DEFAULT '',
    UNIQUE(run_id, directory_path)
);

-- Triangulated re-analysis sessions for escalated relationships
CREATE TABLE IF NOT EXISTS triangulated_analysis_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    relationship_id INTEGER NOT NULL REFERENCES relationships(id),
    run_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'queued'
        CHECK(status IN ('queued', 'running', 'decided', 'failed')),
    final_decision TEXT NOT NULL DEFAULT ''
        CHECK(final_decision IN ('', 'accept', 'reject', 'defer')),
    weighted_consensus REAL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Internal bookkeeping (migration version, global-phase markers)
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
