package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/antigravity-tools/gateway/internal/config"
)

// AuthStatus is the login record the consumer application keeps in its state
// database. apiKey carries the current access token; refreshToken is present
// on installs recent enough to store it.
type AuthStatus struct {
	APIKey       string `json:"apiKey"`
	RefreshToken string `json:"refreshToken"`
	Email        string `json:"email"`
	Name         string `json:"name"`
}

// ReadAuthStatus reads the consumer application's login from its state.vscdb.
// The database is opened read-only; this never mutates the consumer's state.
func ReadAuthStatus(dbPath string) (*AuthStatus, error) {
	if dbPath == "" {
		dbPath = config.ConsumerDBPath()
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("state database not found at %s; is the application installed and logged in?", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no login found in state database")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query state database: %w", err)
	}

	var status AuthStatus
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("failed to parse auth status: %w", err)
	}

	if status.APIKey == "" && status.RefreshToken == "" {
		return nil, fmt.Errorf("auth status carries no usable token")
	}
	return &status, nil
}
