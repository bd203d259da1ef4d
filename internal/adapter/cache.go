package adapter

import (
	"context"
	"log/slog"
	"sync"
)

// Predictor is a live model runtime. *Bridge is the production
// implementation.
type Predictor interface {
	Predict(data any) (any, error)
	ModelType() string
	Alive() bool
	Close() error
}

// BridgeFactory starts a predictor for the model at modelPath.
type BridgeFactory func(ctx context.Context, modelPath string) (Predictor, error)

// BridgeCache keeps one warm predictor. The execution environment serves a
// single model, so one slot is the whole cache; the slot survives across
// requests and is rebuilt only when its process dies or the key changes.
type BridgeCache struct {
	logger  *slog.Logger
	factory BridgeFactory

	mu     sync.Mutex
	key    string
	bridge Predictor
}

func NewBridgeCache(logger *slog.Logger, factory BridgeFactory) *BridgeCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &BridgeCache{logger: logger, factory: factory}
}

// Acquire returns a live predictor for modelPath, starting one if the slot
// is empty, holds a different model, or holds a dead process.
func (c *BridgeCache) Acquire(ctx context.Context, modelPath string) (Predictor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bridge != nil && c.key == modelPath && c.bridge.Alive() {
		return c.bridge, nil
	}
	if c.bridge != nil {
		c.logger.Warn("replacing bridge", "model", c.key)
		c.bridge.Close()
		c.bridge = nil
	}

	bridge, err := c.factory(ctx, modelPath)
	if err != nil {
		return nil, err
	}
	c.key = modelPath
	c.bridge = bridge
	return bridge, nil
}

// Ready reports whether the slot holds a live predictor without starting one.
func (c *BridgeCache) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bridge != nil && c.bridge.Alive()
}

func (c *BridgeCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bridge != nil {
		c.bridge.Close()
		c.bridge = nil
	}
}
