package store

import "database/sql"

// GetSecret/PutSecret/DeleteSecret implement pkg/secrets.Backend on
// top of the store's own sqlite connection, so encrypted tokens live
// in the same database file as everything else.

func (s *Store) GetSecret(key string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT ciphertext FROM secrets WHERE key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (s *Store) PutSecret(key string, ciphertext []byte) error {
	_, err := s.db.Exec(`INSERT INTO secrets(key, ciphertext) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET ciphertext = excluded.ciphertext`, key, ciphertext)
	return err
}

func (s *Store) DeleteSecret(key string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE key = ?`, key)
	return err
}
