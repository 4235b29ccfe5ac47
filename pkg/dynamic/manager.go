package dynamic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"drase/internal/models"
	"drase/pkg/logging"
	"drase/pkg/metrics"
	"drase/pkg/store"
)

// Manager is the model cache: it reads a model from the store, or builds
// and writes it, at most once per key at a time.
type Manager struct {
	store    store.Store
	metrics  *metrics.Collector
	workers  int
	seed     uint64
	progress ProgressCallback

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	log *logrus.Entry
}

// ManagerOptions configure how the manager builds models
type ManagerOptions struct {
	Metrics  *metrics.Collector
	Workers  int
	Seed     uint64
	Progress ProgressCallback
}

// NewManager creates a cache over s
func NewManager(s store.Store, opts ManagerOptions) *Manager {
	return &Manager{
		store:    s,
		metrics:  opts.Metrics,
		workers:  opts.Workers,
		seed:     opts.Seed,
		progress: opts.Progress,
		locks:    make(map[string]*sync.Mutex),
		log:      logging.NamedLogger("dynamic"),
	}
}

func (m *Manager) deps() Deps {
	return Deps{
		Store:    m.store,
		Metrics:  m.metrics,
		Provider: m,
		Workers:  m.workers,
		Seed:     m.seed,
		Progress: m.progress,
	}
}

func (m *Manager) keyLock(key models.ModelKey) *sync.Mutex {
	k := key.Detector + "\x00" + key.Material + "\x00" + key.ModelName + "\x00" + key.Def

	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// GetOrBuild returns the cached model for the key, building and storing it
// if it is missing. With force any stored model is discarded and rebuilt.
func (m *Manager) GetOrBuild(ctx context.Context, detector, material string, kind Kind, def ModelDef, force bool) (Model, error) {
	if err := kind.Validate(def); err != nil {
		return nil, err
	}
	key, err := Key(detector, material, kind, def)
	if err != nil {
		return nil, err
	}

	l := m.keyLock(key)
	l.Lock()
	defer l.Unlock()

	log := m.log.WithFields(logrus.Fields{"detector": detector, "material": material, "model": string(kind)})
	if force {
		if err := m.store.DeleteModel(ctx, key); err != nil {
			return nil, fmt.Errorf("delete cached model: %w", err)
		}
		m.metrics.CacheRequest(metrics.CacheRebuild)
		log.Info("Rebuilding model")
	} else {
		stored, ok, err := m.store.GetModel(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load cached model: %w", err)
		}
		if ok {
			model, err := Decode(stored.Payload, m.deps())
			if err == nil {
				m.metrics.CacheRequest(metrics.CacheHit)
				log.Debugf("Using cached model %s", stored.ID)
				return model, nil
			}
			log.Warnf("Discarding unreadable cached model %s: %v", stored.ID, err)
		}
		m.metrics.CacheRequest(metrics.CacheMiss)
	}

	det, err := m.store.GetDetector(ctx, detector)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetMaterial(ctx, material); err != nil {
		return nil, err
	}
	model, err := New(kind, det, material, def, m.deps())
	if err != nil {
		return nil, err
	}
	if err := model.Build(ctx); err != nil {
		return nil, err
	}

	payload, err := Encode(model)
	if err != nil {
		return nil, err
	}
	stored := models.StoredModel{
		ID:        uuid.NewString(),
		Key:       key,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
	if err := m.store.StoreModel(ctx, stored); err != nil {
		return nil, fmt.Errorf("store model: %w", err)
	}
	log.Infof("Stored model %s", stored.ID)
	return model, nil
}
