package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"forwardbot/internal/domain"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed runtime configuration: settings the admin bot
// mutates while the monitor runs, channel mappings, per-channel filters and
// replacements, and the admin allow list.
type Store struct {
	db *sql.DB
}

// AdminRecord is one admin identity; either field may be unset.
type AdminRecord struct {
	UserID   int64
	Username string
}

// ChannelRecord is a raw channel row.
type ChannelRecord struct {
	ID             int64
	DiscordID      string
	TelegramChatID string
	Label          string
	Active         bool
	LastMessageID  string
}

func OpenStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS admins (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id  INTEGER UNIQUE,
		username TEXT UNIQUE COLLATE NOCASE
	);

	CREATE TABLE IF NOT EXISTS channels (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		discord_id       TEXT NOT NULL UNIQUE,
		telegram_chat_id TEXT NOT NULL,
		label            TEXT DEFAULT '',
		active           INTEGER DEFAULT 1,
		last_message_id  TEXT
	);

	CREATE TABLE IF NOT EXISTS channel_options (
		channel_id   INTEGER NOT NULL,
		option_key   TEXT NOT NULL,
		option_value TEXT NOT NULL,
		PRIMARY KEY (channel_id, option_key)
	);

	CREATE TABLE IF NOT EXISTS filters (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id  INTEGER NOT NULL,
		filter_type TEXT NOT NULL,
		value       TEXT NOT NULL,
		UNIQUE(channel_id, filter_type, value)
	);

	CREATE TABLE IF NOT EXISTS replacements (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id  INTEGER NOT NULL,
		pattern     TEXT NOT NULL,
		replacement TEXT NOT NULL,
		UNIQUE(channel_id, pattern)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetSetting upserts one settings key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// Setting returns the stored value or the default when the key is absent.
func (s *Store) Setting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key=?`, key)
	return err
}

// Settings returns all keys with the given prefix.
func (s *Store) Settings(ctx context.Context, prefix string) (map[string]string, error) {
	query := `SELECT key, value FROM settings`
	args := []any{}
	if prefix != "" {
		query += ` WHERE key LIKE ?`
		args = append(args, prefix+"%")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// NetworkOptions assembles the source platform's proxy and user-agent
// overrides from the settings table.
func (s *Store) NetworkOptions(ctx context.Context) (domain.NetworkOptions, error) {
	var options domain.NetworkOptions
	var err error
	if options.ProxyURL, err = s.Setting(ctx, "proxy.discord.url", ""); err != nil {
		return options, err
	}
	if options.ProxyLogin, err = s.Setting(ctx, "proxy.discord.login", ""); err != nil {
		return options, err
	}
	if options.ProxyPassword, err = s.Setting(ctx, "proxy.discord.password", ""); err != nil {
		return options, err
	}
	if options.UserAgent, err = s.Setting(ctx, "ua.discord", ""); err != nil {
		return options, err
	}
	return options, nil
}

// AddAdmin registers an admin by ID, username, or both.
func (s *Store) AddAdmin(ctx context.Context, userID int64, username string) error {
	username = NormalizeUsername(username)
	switch {
	case userID != 0:
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO admins(user_id, username) VALUES(?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET username=excluded.username`,
			userID, nullable(username),
		)
		return err
	case username != "":
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO admins(username) VALUES(?)
			 ON CONFLICT(username) DO UPDATE SET username=excluded.username`,
			username,
		)
		return err
	default:
		return fmt.Errorf("either user id or username must be provided")
	}
}

// RemoveAdmin deletes by numeric ID or username; reports whether a row went.
func (s *Store) RemoveAdmin(ctx context.Context, identifier string) (bool, error) {
	var result sql.Result
	var err error
	if id, convErr := strconv.ParseInt(identifier, 10, 64); convErr == nil {
		result, err = s.db.ExecContext(ctx, `DELETE FROM admins WHERE user_id=?`, id)
	} else {
		result, err = s.db.ExecContext(ctx,
			`DELETE FROM admins WHERE username=? COLLATE NOCASE`,
			NormalizeUsername(identifier),
		)
	}
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (s *Store) ListAdmins(ctx context.Context) ([]AdminRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username FROM admins
		 ORDER BY COALESCE(username, CAST(user_id AS TEXT)) COLLATE NOCASE`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var admins []AdminRecord
	for rows.Next() {
		var userID sql.NullInt64
		var username sql.NullString
		if err := rows.Scan(&userID, &username); err != nil {
			return nil, err
		}
		admins = append(admins, AdminRecord{UserID: userID.Int64, Username: username.String})
	}
	return admins, rows.Err()
}

func (s *Store) HasAdmins(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM admins LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsAdmin matches by numeric ID or by username.
func (s *Store) IsAdmin(ctx context.Context, userID int64, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM admins WHERE user_id=? OR (username IS NOT NULL AND username=? COLLATE NOCASE) LIMIT 1`,
		userID, NormalizeUsername(username),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddChannel registers a source channel to destination chat mapping.
func (s *Store) AddChannel(ctx context.Context, discordID, telegramChatID, label string) (ChannelRecord, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(discord_id, telegram_chat_id, label) VALUES(?, ?, ?)`,
		discordID, telegramChatID, label,
	)
	if err != nil {
		return ChannelRecord{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return ChannelRecord{}, err
	}
	return ChannelRecord{
		ID:             id,
		DiscordID:      discordID,
		TelegramChatID: telegramChatID,
		Label:          label,
		Active:         true,
	}, nil
}

func (s *Store) RemoveChannel(ctx context.Context, discordID string) (bool, error) {
	record, err := s.GetChannel(ctx, discordID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	for _, stmt := range []string{
		`DELETE FROM channel_options WHERE channel_id=?`,
		`DELETE FROM filters WHERE channel_id=?`,
		`DELETE FROM replacements WHERE channel_id=?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, record.ID); err != nil {
			return false, err
		}
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM channels WHERE id=?`, record.ID)
	return err == nil, err
}

func (s *Store) GetChannel(ctx context.Context, discordID string) (*ChannelRecord, error) {
	var record ChannelRecord
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, discord_id, telegram_chat_id, label, active, last_message_id
		 FROM channels WHERE discord_id=?`, discordID,
	).Scan(&record.ID, &record.DiscordID, &record.TelegramChatID, &record.Label, &record.Active, &last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record.LastMessageID = last.String
	return &record, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]ChannelRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, discord_id, telegram_chat_id, label, active, last_message_id
		 FROM channels ORDER BY discord_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ChannelRecord
	for rows.Next() {
		var record ChannelRecord
		var last sql.NullString
		if err := rows.Scan(&record.ID, &record.DiscordID, &record.TelegramChatID, &record.Label, &record.Active, &last); err != nil {
			return nil, err
		}
		record.LastMessageID = last.String
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) SetChannelActive(ctx context.Context, discordID string, active bool) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE channels SET active=? WHERE discord_id=?`, active, discordID,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

// SetLastMessage advances the persistent per-channel cursor.
func (s *Store) SetLastMessage(ctx context.Context, channelID int64, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET last_message_id=? WHERE id=?`, messageID, channelID,
	)
	return err
}

func (s *Store) SetChannelOption(ctx context.Context, channelID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_options(channel_id, option_key, option_value) VALUES(?, ?, ?)
		 ON CONFLICT(channel_id, option_key) DO UPDATE SET option_value=excluded.option_value`,
		channelID, key, value,
	)
	return err
}

func (s *Store) DeleteChannelOption(ctx context.Context, channelID int64, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_options WHERE channel_id=? AND option_key=?`, channelID, key,
	)
	return err
}

func (s *Store) ChannelOptions(ctx context.Context, channelID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT option_key, option_value FROM channel_options WHERE channel_id=?`, channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// AddFilter stores one filter entry; returns false when an equivalent entry
// already exists. Channel 0 holds the global defaults every channel inherits.
func (s *Store) AddFilter(ctx context.Context, channelID int64, filterType, value string) (bool, error) {
	filterType = strings.ToLower(strings.TrimSpace(filterType))
	stored, compareKey, ok := NormalizeFilterValue(filterType, value)
	if !ok {
		return false, fmt.Errorf("invalid filter value %q", value)
	}
	existing, err := s.filterRows(ctx, channelID, filterType)
	if err != nil {
		return false, err
	}
	for _, row := range existing {
		if _, key, ok := NormalizeFilterValue(filterType, row.value); ok && key == compareKey {
			return false, nil
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO filters(channel_id, filter_type, value) VALUES(?, ?, ?)`,
		channelID, filterType, stored,
	)
	return err == nil, err
}

// RemoveFilter deletes matching entries; empty value clears the whole type.
func (s *Store) RemoveFilter(ctx context.Context, channelID int64, filterType, value string) (int, error) {
	filterType = strings.ToLower(strings.TrimSpace(filterType))
	if value == "" {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM filters WHERE channel_id=? AND filter_type=?`, channelID, filterType,
		)
		if err != nil {
			return 0, err
		}
		affected, err := result.RowsAffected()
		return int(affected), err
	}
	_, compareKey, ok := NormalizeFilterValue(filterType, value)
	if !ok {
		return 0, nil
	}
	existing, err := s.filterRows(ctx, channelID, filterType)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, row := range existing {
		if _, key, ok := NormalizeFilterValue(filterType, row.value); ok && key == compareKey {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM filters WHERE id=?`, row.id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *Store) ClearFilters(ctx context.Context, channelID int64) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM filters WHERE channel_id=?`, channelID)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

type filterRow struct {
	id    int64
	typ   string
	value string
}

func (s *Store) filterRows(ctx context.Context, channelID int64, filterType string) ([]filterRow, error) {
	query := `SELECT id, filter_type, value FROM filters WHERE channel_id=?`
	args := []any{channelID}
	if filterType != "" {
		query += ` AND filter_type=?`
		args = append(args, filterType)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []filterRow
	for rows.Next() {
		var row filterRow
		if err := rows.Scan(&row.id, &row.typ, &row.value); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// FilterConfig assembles the channel's filter lists from stored rows.
func (s *Store) FilterConfig(ctx context.Context, channelID int64) (domain.FilterConfig, error) {
	rows, err := s.filterRows(ctx, channelID, "")
	if err != nil {
		return domain.FilterConfig{}, err
	}
	var filters domain.FilterConfig
	seen := make(map[string]struct{})
	for _, row := range rows {
		filterType := strings.ToLower(strings.TrimSpace(row.typ))
		stored, compareKey, ok := NormalizeFilterValue(filterType, row.value)
		if !ok {
			continue
		}
		dedupe := filterType + "\x00" + compareKey
		if _, dup := seen[dedupe]; dup {
			continue
		}
		seen[dedupe] = struct{}{}
		switch filterType {
		case "whitelist":
			filters.Whitelist = append(filters.Whitelist, strings.TrimSpace(row.value))
		case "blacklist":
			filters.Blacklist = append(filters.Blacklist, strings.TrimSpace(row.value))
		case "allowed_senders":
			filters.AllowedSenders = append(filters.AllowedSenders, stored)
		case "blocked_senders":
			filters.BlockedSenders = append(filters.BlockedSenders, stored)
		case "allowed_types":
			filters.AllowedTypes = append(filters.AllowedTypes, stored)
		case "blocked_types":
			filters.BlockedTypes = append(filters.BlockedTypes, stored)
		}
	}
	return filters, nil
}

// AddReplacement upserts a find/replace rule for the channel.
func (s *Store) AddReplacement(ctx context.Context, channelID int64, pattern, replacement string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replacements(channel_id, pattern, replacement) VALUES(?, ?, ?)
		 ON CONFLICT(channel_id, pattern) DO UPDATE SET replacement=excluded.replacement`,
		channelID, pattern, replacement,
	)
	return err
}

func (s *Store) RemoveReplacement(ctx context.Context, channelID int64, pattern string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM replacements WHERE channel_id=? AND pattern=?`, channelID, pattern,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

func (s *Store) Replacements(ctx context.Context, channelID int64) ([]domain.ReplacementRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern, replacement FROM replacements WHERE channel_id=? ORDER BY id`, channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.ReplacementRule
	for rows.Next() {
		var rule domain.ReplacementRule
		if err := rows.Scan(&rule.Pattern, &rule.Replacement); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// LoadChannelMappings builds the effective per-channel configuration:
// global defaults (channel 0) merged with per-channel overrides.
func (s *Store) LoadChannelMappings(ctx context.Context, base domain.FormattingOptions) ([]domain.ChannelMapping, error) {
	defaults, err := s.Settings(ctx, "formatting.")
	if err != nil {
		return nil, err
	}
	defaultFilters, err := s.FilterConfig(ctx, 0)
	if err != nil {
		return nil, err
	}
	defaultReplacements, err := s.Replacements(ctx, 0)
	if err != nil {
		return nil, err
	}

	records, err := s.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	mappings := make([]domain.ChannelMapping, 0, len(records))
	for _, record := range records {
		options, err := s.ChannelOptions(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		filters, err := s.FilterConfig(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		replacements, err := s.Replacements(ctx, record.ID)
		if err != nil {
			return nil, err
		}
		label := record.Label
		if label == "" {
			label = record.DiscordID
		}
		mappings = append(mappings, domain.ChannelMapping{
			DiscordChannelID: record.DiscordID,
			TelegramChatID:   record.TelegramChatID,
			Label:            label,
			Formatting:       formattingFromOptions(base, defaults, options),
			Filters:          defaultFilters.Merge(filters),
			Replacements:     append(append([]domain.ReplacementRule(nil), defaultReplacements...), replacements...),
			LastMessageID:    record.LastMessageID,
			Active:           record.Active,
			StorageID:        record.ID,
		})
	}
	return mappings, nil
}

// formattingFromOptions layers stored defaults and per-channel overrides on
// top of the static base. Keys are stored with a "formatting." prefix.
func formattingFromOptions(base domain.FormattingOptions, defaults, overrides map[string]string) domain.FormattingOptions {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for key, value := range defaults {
		merged[strings.TrimPrefix(key, "formatting.")] = value
	}
	for key, value := range overrides {
		if strings.HasPrefix(key, "formatting.") {
			merged[strings.TrimPrefix(key, "formatting.")] = value
		}
	}

	out := base
	if value, ok := merged["parse_mode"]; ok {
		out.ParseMode = value
	}
	if value, ok := merged["disable_preview"]; ok {
		out.DisablePreview = strings.EqualFold(value, "true")
	}
	if value, ok := merged["max_length"]; ok {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			out.MaxLength = n
		}
	}
	if value, ok := merged["ellipsis"]; ok {
		out.Ellipsis = value
	}
	if value, ok := merged["attachments_style"]; ok {
		out.AttachmentsStyle = value
	}
	if value, ok := merged["header"]; ok {
		out.Header = value
	}
	if value, ok := merged["footer"]; ok {
		out.Footer = value
	}
	if value, ok := merged["chip"]; ok {
		out.Chip = value
	}
	return out
}

// NormalizeUsername strips the leading @ and lowercases.
func NormalizeUsername(username string) string {
	username = strings.TrimSpace(username)
	username = strings.TrimPrefix(username, "@")
	return strings.ToLower(username)
}

// NormalizeFilterValue canonicalizes a filter entry and derives the key used
// for duplicate detection. Sender filters accept numeric IDs or usernames.
func NormalizeFilterValue(filterType, value string) (stored, compareKey string, ok bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", "", false
	}
	switch filterType {
	case "allowed_senders", "blocked_senders":
		if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			numeric := strconv.FormatInt(id, 10)
			return numeric, "id:" + numeric, true
		}
		name := NormalizeUsername(trimmed)
		if name == "" {
			return "", "", false
		}
		return name, "name:" + name, true
	case "allowed_types", "blocked_types":
		lowered := strings.ToLower(trimmed)
		return lowered, lowered, true
	case "whitelist", "blacklist":
		return trimmed, strings.ToLower(trimmed), true
	default:
		return trimmed, trimmed, true
	}
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
