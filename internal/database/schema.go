package database

import "github.com/jmoiron/sqlx"

// InitSchema creates the application tables when they do not exist yet.
// Statements are executed one at a time because the MySQL driver does not
// allow multi-statement execs without an extra DSN flag.
//
// The attendances table is the engine's ledger: one row per (slot, user),
// enforced by the unique key, with status transitions driven exclusively by
// the RSVP service.  slots, crews, crew_members and users are owned by the
// scheduling and membership subsystems; they are created here so that a fresh
// environment boots, but the engine only ever reads them.
func InitSchema(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
			name VARCHAR(200) NOT NULL DEFAULT '',
			email VARCHAR(200) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS crews (
			id BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
			name VARCHAR(200) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS crew_members (
			crew_id BIGINT UNSIGNED NOT NULL,
			user_id BIGINT UNSIGNED NOT NULL,
			role VARCHAR(20) NOT NULL DEFAULT 'member',
			PRIMARY KEY (crew_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS slots (
			id BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
			crew_id BIGINT UNSIGNED NOT NULL,
			title VARCHAR(200) NOT NULL DEFAULT '',
			starts_at DATETIME NOT NULL,
			capacity INT UNSIGNED NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS attendances (
			id BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
			slot_id BIGINT UNSIGNED NOT NULL,
			user_id BIGINT UNSIGNED NOT NULL,
			status ENUM('attending','waiting','cancelled') NOT NULL,
			note VARCHAR(500) NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			UNIQUE KEY uniq_slot_user (slot_id, user_id),
			KEY idx_slot_status_created (slot_id, status, created_at)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
