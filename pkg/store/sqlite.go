package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"drase/internal/models"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) GetDetector(ctx context.Context, name string) (models.Detector, error) {
	db, err := s.getDB()
	if err != nil {
		return models.Detector{}, err
	}

	d := models.Detector{Name: name}
	err = db.QueryRowContext(ctx, `SELECT chan_count FROM detectors WHERE name = ?`, name).Scan(&d.ChanCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Detector{}, fmt.Errorf("detector %q: %w", name, ErrNotFound)
		}
		return models.Detector{}, err
	}
	return d, nil
}

func (s *SQLiteStore) GetMaterial(ctx context.Context, name string) (models.Material, error) {
	db, err := s.getDB()
	if err != nil {
		return models.Material{}, err
	}

	var got string
	err = db.QueryRowContext(ctx, `SELECT name FROM materials WHERE name = ?`, name).Scan(&got)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Material{}, fmt.Errorf("material %q: %w", name, ErrNotFound)
		}
		return models.Material{}, err
	}
	return models.Material{Name: got}, nil
}

func (s *SQLiteStore) GetSpectraXYZ(ctx context.Context, detector, material string) ([]models.BaseSpectrumXYZ, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM spectra_xyz WHERE detector = ? AND material = ?`,
		detector, material).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("spectra for %s/%s: %w", detector, material, ErrNotFound)
		}
		return nil, err
	}

	spectra, err := decodeSpectra(payload)
	if err != nil {
		return nil, fmt.Errorf("decode spectra %s/%s: %w", detector, material, err)
	}
	return spectra, nil
}

func (s *SQLiteStore) GetBackgroundSpectra(ctx context.Context, detector, scenario string) ([]models.ScaledBackground, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT sb.material, sb.scale, b.payload
		FROM scenario_backgrounds sb
		LEFT JOIN backgrounds b ON b.material = sb.material AND b.detector = ?
		WHERE sb.scenario = ?
		ORDER BY sb.material
	`, detector, scenario)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScaledBackground
	for rows.Next() {
		var material string
		var scale float64
		var payload []byte
		if err := rows.Scan(&material, &scale, &payload); err != nil {
			return nil, err
		}
		if payload == nil {
			return nil, fmt.Errorf("background %s/%s: %w", detector, material, ErrNotFound)
		}
		bg, err := decodeBackground(payload)
		if err != nil {
			return nil, fmt.Errorf("decode background %s/%s: %w", detector, material, err)
		}
		out = append(out, models.ScaledBackground{Spectrum: bg, Scale: scale})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetModel(ctx context.Context, key models.ModelKey) (models.StoredModel, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return models.StoredModel{}, false, err
	}

	m := models.StoredModel{Key: key}
	var created int64
	err = db.QueryRowContext(ctx, `
		SELECT id, created_at, payload FROM dynamic_models
		WHERE detector = ? AND material = ? AND model_name = ? AND def = ?
	`, key.Detector, key.Material, key.ModelName, key.Def).Scan(&m.ID, &created, &m.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StoredModel{}, false, nil
		}
		return models.StoredModel{}, false, err
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	return m, true, nil
}

func (s *SQLiteStore) StoreModel(ctx context.Context, model models.StoredModel) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	k := model.Key
	_, err = db.ExecContext(ctx, `
		INSERT INTO dynamic_models (detector, material, model_name, def, id, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(detector, material, model_name, def) DO UPDATE SET
			id = excluded.id,
			created_at = excluded.created_at,
			payload = excluded.payload
	`, k.Detector, k.Material, k.ModelName, k.Def, model.ID, model.CreatedAt.UnixNano(), model.Payload)
	return err
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, key models.ModelKey) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		DELETE FROM dynamic_models
		WHERE detector = ? AND material = ? AND model_name = ? AND def = ?
	`, key.Detector, key.Material, key.ModelName, key.Def)
	return err
}

func (s *SQLiteStore) PutDetector(ctx context.Context, detector models.Detector) error {
	if detector.Name == "" || detector.ChanCount <= 0 {
		return fmt.Errorf("detector needs a name and a positive channel count: %+v", detector)
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO detectors (name, chan_count) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET chan_count = excluded.chan_count
	`, detector.Name, detector.ChanCount)
	return err
}

func (s *SQLiteStore) PutMaterial(ctx context.Context, material models.Material) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `INSERT INTO materials (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, material.Name)
	return err
}

func (s *SQLiteStore) PutSpectraXYZ(ctx context.Context, detector, material string, spectra []models.BaseSpectrumXYZ) error {
	d, err := s.GetDetector(ctx, detector)
	if err != nil {
		return err
	}
	if err := checkSpectra(d, material, spectra); err != nil {
		return err
	}
	if err := s.PutMaterial(ctx, models.Material{Name: material}); err != nil {
		return err
	}
	payload, err := encodeSpectra(spectra)
	if err != nil {
		return err
	}

	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO spectra_xyz (detector, material, payload) VALUES (?, ?, ?)
		ON CONFLICT(detector, material) DO UPDATE SET payload = excluded.payload
	`, detector, material, payload)
	return err
}

func (s *SQLiteStore) PutBackground(ctx context.Context, detector string, background models.BackgroundSpectrum) error {
	d, err := s.GetDetector(ctx, detector)
	if err != nil {
		return err
	}
	if err := checkBackground(d, background); err != nil {
		return err
	}
	payload, err := encodeBackground(background)
	if err != nil {
		return err
	}

	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO backgrounds (detector, material, payload) VALUES (?, ?, ?)
		ON CONFLICT(detector, material) DO UPDATE SET payload = excluded.payload
	`, detector, background.Material, payload)
	return err
}

func (s *SQLiteStore) SetScenarioBackgrounds(ctx context.Context, scenario string, scales map[string]float64) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scenario_backgrounds WHERE scenario = ?`, scenario); err != nil {
		return err
	}
	for material, scale := range scales {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scenario_backgrounds (scenario, material, scale) VALUES (?, ?, ?)
		`, scenario, material, scale); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS detectors (
			name TEXT PRIMARY KEY,
			chan_count INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS materials (
			name TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS spectra_xyz (
			detector TEXT NOT NULL,
			material TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (detector, material)
		);
		CREATE TABLE IF NOT EXISTS backgrounds (
			detector TEXT NOT NULL,
			material TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (detector, material)
		);
		CREATE TABLE IF NOT EXISTS scenario_backgrounds (
			scenario TEXT NOT NULL,
			material TEXT NOT NULL,
			scale REAL NOT NULL,
			PRIMARY KEY (scenario, material)
		);
		CREATE TABLE IF NOT EXISTS dynamic_models (
			detector TEXT NOT NULL,
			material TEXT NOT NULL,
			model_name TEXT NOT NULL,
			def TEXT NOT NULL,
			id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (detector, material, model_name, def)
		);
	`)
	return err
}
