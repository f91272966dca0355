package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"homereach/models"
)

func (s *Store) setState(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO app_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set app state %q: %w", key, err)
	}
	return nil
}

func (s *Store) getState(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get app state %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) deleteState(key string) error {
	if _, err := s.db.Exec(`DELETE FROM app_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete app state %q: %w", key, err)
	}
	return nil
}

// SetLastEmail records the last email used to sign in. Empty clears it.
func (s *Store) SetLastEmail(email string) error {
	if email == "" {
		return s.deleteState(stateKeyLastEmail)
	}
	return s.setState(stateKeyLastEmail, email)
}

// LastEmail returns the last email used to sign in, or ErrNotFound.
func (s *Store) LastEmail() (string, error) {
	return s.getState(stateKeyLastEmail)
}

// SetLastCommonName records the identity of the device in use. Empty clears it.
func (s *Store) SetLastCommonName(cn string) error {
	if cn == "" {
		return s.deleteState(stateKeyLastCommonName)
	}
	return s.setState(stateKeyLastCommonName, cn)
}

// LastCommonName returns the identity of the device in use, or ErrNotFound.
func (s *Store) LastCommonName() (string, error) {
	return s.getState(stateKeyLastCommonName)
}

// SaveConnectedDevice upserts a connected-device snapshot and prunes old ones.
func (s *Store) SaveConnectedDevice(device models.ConnectedDevice) error {
	if device.CertificateCommonName == "" {
		return errors.New("certificate_common_name is required")
	}
	if device.ConnectedAt.IsZero() {
		device.ConnectedAt = time.Now()
	}
	paths := device.Paths
	if paths == nil {
		paths = []models.RemotePath{}
	}
	rawPaths, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("marshal connected device paths: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin connected device transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO connected_devices (
			certificate_common_name,
			device_id,
			friendly_name,
			hostname,
			paths_json,
			connected_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(certificate_common_name) DO UPDATE SET
			device_id = excluded.device_id,
			friendly_name = excluded.friendly_name,
			hostname = excluded.hostname,
			paths_json = excluded.paths_json,
			connected_at = excluded.connected_at`,
		device.CertificateCommonName,
		device.DeviceID,
		device.FriendlyName,
		device.Hostname,
		string(rawPaths),
		device.ConnectedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("save connected device %q: %w", device.CertificateCommonName, err)
	}

	if s.connectedDeviceHistory > 0 {
		if _, err := tx.Exec(
			`DELETE FROM connected_devices
			WHERE certificate_common_name NOT IN (
				SELECT certificate_common_name FROM connected_devices
				ORDER BY connected_at DESC, certificate_common_name
				LIMIT ?
			)`,
			s.connectedDeviceHistory,
		); err != nil {
			return fmt.Errorf("prune connected devices: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit connected device: %w", err)
	}
	return nil
}

// LastConnectedDevice returns the most recent snapshot, or ErrNotFound.
func (s *Store) LastConnectedDevice() (models.ConnectedDevice, error) {
	row := s.db.QueryRow(
		`SELECT certificate_common_name, device_id, friendly_name, hostname, paths_json, connected_at
		FROM connected_devices
		ORDER BY connected_at DESC, certificate_common_name
		LIMIT 1`,
	)
	return scanConnectedDevice(row)
}

// ConnectedDevice returns the snapshot for one identity, or ErrNotFound.
func (s *Store) ConnectedDevice(cn string) (models.ConnectedDevice, error) {
	row := s.db.QueryRow(
		`SELECT certificate_common_name, device_id, friendly_name, hostname, paths_json, connected_at
		FROM connected_devices
		WHERE certificate_common_name = ?`,
		cn,
	)
	return scanConnectedDevice(row)
}

// ClearConnectedDevices removes every connected-device snapshot.
func (s *Store) ClearConnectedDevices() error {
	if _, err := s.db.Exec(`DELETE FROM connected_devices`); err != nil {
		return fmt.Errorf("clear connected devices: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConnectedDevice(row scanner) (models.ConnectedDevice, error) {
	var (
		device      models.ConnectedDevice
		rawPaths    string
		connectedAt int64
	)
	if err := row.Scan(
		&device.CertificateCommonName,
		&device.DeviceID,
		&device.FriendlyName,
		&device.Hostname,
		&rawPaths,
		&connectedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ConnectedDevice{}, ErrNotFound
		}
		return models.ConnectedDevice{}, fmt.Errorf("scan connected device: %w", err)
	}
	if err := json.Unmarshal([]byte(rawPaths), &device.Paths); err != nil {
		return models.ConnectedDevice{}, fmt.Errorf("decode connected device paths: %w", err)
	}
	device.ConnectedAt = time.UnixMilli(connectedAt)
	return device, nil
}
