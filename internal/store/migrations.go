package store

const schema = `
CREATE TABLE IF NOT EXISTS channels (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    platform_channel_id TEXT NOT NULL UNIQUE,
    username            TEXT NOT NULL UNIQUE,
    display_name        TEXT NOT NULL DEFAULT '',
    is_active           BOOLEAN NOT NULL DEFAULT 1,
    created_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS posts (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id            INTEGER NOT NULL REFERENCES channels(id),
    platform_post_id      INTEGER NOT NULL,
    text                  TEXT NOT NULL DEFAULT '',
    created_at            DATETIME NOT NULL,
    views_count           INTEGER NOT NULL DEFAULT 0,
    comments_count        INTEGER NOT NULL DEFAULT 0,
    forwards_count        INTEGER NOT NULL DEFAULT 0,
    reactions             TEXT NOT NULL DEFAULT '{}',
    media_ref             TEXT NOT NULL DEFAULT '',
    forward_info          TEXT NOT NULL DEFAULT '{}',
    stats_updated_at      DATETIME,
    comments_collected_at DATETIME,
    UNIQUE(channel_id, platform_post_id)
);

CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at);
CREATE INDEX IF NOT EXISTS idx_posts_channel ON posts(channel_id, platform_post_id);

CREATE TABLE IF NOT EXISTS comments (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    post_id             INTEGER NOT NULL REFERENCES posts(id),
    platform_comment_id INTEGER NOT NULL,
    author_name         TEXT NOT NULL DEFAULT '',
    text                TEXT NOT NULL DEFAULT '',
    created_at          DATETIME NOT NULL,
    UNIQUE(post_id, platform_comment_id)
);

CREATE INDEX IF NOT EXISTS idx_comments_post ON comments(post_id, created_at);

CREATE TABLE IF NOT EXISTS analyses (
    post_id          INTEGER PRIMARY KEY REFERENCES posts(id),
    summary          TEXT NOT NULL,
    positive_percent INTEGER NOT NULL,
    negative_percent INTEGER NOT NULL,
    neutral_percent  INTEGER NOT NULL,
    key_topics       TEXT NOT NULL DEFAULT '[]',
    model_used       TEXT NOT NULL DEFAULT '',
    generated_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_generated ON analyses(generated_at);
`
