package storage

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/blogkit/sitekit/internal/secrets"
)

const keyringID = "default"

// EncryptionSalt returns the installation's key-derivation salt, creating it on first use
func (db *DB) EncryptionSalt(ctx context.Context) ([]byte, error) {
	var encoded string
	err := db.conn.GetContext(ctx, &encoded, db.rebind("SELECT salt FROM keyring WHERE id = ?"), keyringID)
	if err == nil {
		return base64.StdEncoding.DecodeString(encoded)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}

	salt, err := secrets.NewSalt()
	if err != nil {
		return nil, err
	}

	// Another process may have created the salt since the read above
	_, err = db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO keyring (id, salt, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), keyringID, base64.StdEncoding.EncodeToString(salt), toMillis(nowFunc()))
	if err != nil {
		return nil, fmt.Errorf("failed to write keyring: %w", err)
	}

	if err := db.conn.GetContext(ctx, &encoded, db.rebind("SELECT salt FROM keyring WHERE id = ?"), keyringID); err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// NewSealer builds the credential sealer for this database.
// An empty passphrase stores credentials unencrypted.
func (db *DB) NewSealer(ctx context.Context, passphrase string) (secrets.Sealer, error) {
	if passphrase == "" {
		return secrets.Plain{}, nil
	}
	salt, err := db.EncryptionSalt(ctx)
	if err != nil {
		return nil, err
	}
	return secrets.NewSealer(passphrase, salt)
}
