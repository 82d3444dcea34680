// Package pool owns the bounded collection of model instances. Instances
// are expensive, device-bound, and single-writer; the pool hands them out
// with backpressure and reclaims or destroys them on return.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/mozenebula/mini-asr-backend/pkg/engine"
	"github.com/mozenebula/mini-asr-backend/pkg/logging"
)

// ErrExhausted is returned when no instance frees up within the acquire
// timeout and the pool is already at maximum size.
var ErrExhausted = errors.New("Model pool exhausted, and all models are currently in use.")

// ErrClosed is returned by operations on a closed pool.
var ErrClosed = errors.New("model pool is closed")

// errAtCapacity is the internal signal that growth is not possible.
var errAtCapacity = errors.New("model pool at capacity")

// Strategy selects the acquire behavior.
type Strategy string

const (
	// StrategyExisting waits for a free instance and only grows the pool
	// after the wait times out.
	StrategyExisting Strategy = "existing"
	// StrategyDynamic grows the pool up front when below max, then waits.
	StrategyDynamic Strategy = "dynamic"
)

// Factory creates one engine instance bound to the given device.
type Factory func(ctx context.Context, device Device) (engine.Transcriber, error)

// Handle is one pooled model instance.
type Handle struct {
	index       int
	device      Device
	transcriber engine.Transcriber
	createdAt   time.Time
}

// Transcriber returns the engine instance behind this handle. The caller
// holds exclusive access until Release.
func (h *Handle) Transcriber() engine.Transcriber {
	return h.transcriber
}

// Device returns the placement of this instance.
func (h *Handle) Device() Device {
	return h.device
}

// Config holds pool sizing settings.
type Config struct {
	MinSize            int
	MaxSize            int
	MaxInstancesPerGPU int
	// InitWithMaxSize populates max_size instances at construction
	// instead of min_size.
	InitWithMaxSize bool
	// GPUCount is the number of CUDA devices; -1 auto-detects.
	GPUCount int
	// CPUThreads is the host thread count used for CPU sizing; 0 uses
	// runtime.NumCPU().
	CPUThreads int
	// HealthCheck pings instances on return and destroys unhealthy ones.
	HealthCheck bool
	// HealthCheckTimeout bounds the return-path ping (default 10s).
	HealthCheckTimeout time.Duration
}

// ModelPool is a bounded FIFO pool of model instances.
type ModelPool struct {
	factory Factory
	logger  *logging.Logger

	healthCheck        bool
	healthCheckTimeout time.Duration

	gpuCount   int
	cpuThreads int
	// hardCap is the device-imposed ceiling; maxSize never exceeds it.
	hardCap int

	free chan *Handle

	// sizeMu guards currentSize, minSize, maxSize, nextIndex, closed and
	// the offer path so growth during contention cannot overshoot.
	sizeMu      sync.Mutex
	currentSize int
	minSize     int
	maxSize     int
	nextIndex   int
	closed      bool

	// resizeMu serializes Resize operations.
	resizeMu sync.Mutex
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	CurrentSize int `json:"current_size"`
	MinSize     int `json:"min_size"`
	MaxSize     int `json:"max_size"`
	Idle        int `json:"idle"`
	GPUCount    int `json:"gpu_count"`
}

// New builds the pool and populates its initial instances one at a time,
// so concurrent model-weight downloads never race on the cache.
func New(ctx context.Context, cfg Config, factory Factory) (*ModelPool, error) {
	if factory == nil {
		return nil, fmt.Errorf("model factory is required")
	}
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("pool max size must be positive (got %d)", cfg.MaxSize)
	}
	if cfg.MinSize < 0 {
		return nil, fmt.Errorf("pool min size cannot be negative (got %d)", cfg.MinSize)
	}

	gpuCount := cfg.GPUCount
	if gpuCount < 0 {
		gpuCount = DetectGPUCount()
	}
	cpuThreads := cfg.CPUThreads
	if cpuThreads <= 0 {
		cpuThreads = runtime.NumCPU()
	}

	logger := logging.GetGlobalLogger().WithComponent("model_pool")

	hardCap := sizeCeiling(gpuCount, cpuThreads, cfg.MaxInstancesPerGPU)
	maxSize := cfg.MaxSize
	if maxSize > hardCap {
		logger.Warn("Adjusted pool max size to device capacity", map[string]interface{}{
			"requested":   cfg.MaxSize,
			"adjusted":    hardCap,
			"gpu_count":   gpuCount,
			"cpu_threads": cpuThreads,
		})
		maxSize = hardCap
	}

	if cfg.MinSize > maxSize {
		return nil, fmt.Errorf("pool min size (%d) exceeds max size (%d) after device normalization", cfg.MinSize, maxSize)
	}

	healthCheckTimeout := cfg.HealthCheckTimeout
	if healthCheckTimeout <= 0 {
		healthCheckTimeout = 10 * time.Second
	}

	p := &ModelPool{
		factory:            factory,
		logger:             logger,
		healthCheck:        cfg.HealthCheck,
		healthCheckTimeout: healthCheckTimeout,
		gpuCount:           gpuCount,
		cpuThreads:         cpuThreads,
		hardCap:            hardCap,
		free:               make(chan *Handle, hardCap),
		minSize:            cfg.MinSize,
		maxSize:            maxSize,
	}

	initial := cfg.MinSize
	if cfg.InitWithMaxSize {
		initial = maxSize
	}

	logger.Info("Initializing model pool", map[string]interface{}{
		"initial_size": initial,
		"min_size":     cfg.MinSize,
		"max_size":     maxSize,
		"gpu_count":    gpuCount,
	})

	for i := 0; i < initial; i++ {
		h, err := p.createHandle(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to initialize model pool: %w", err)
		}
		p.free <- h
	}

	return p, nil
}

// Acquire hands out an exclusive instance. It waits up to timeout for a
// free one; on timeout the pool grows by one if below max, otherwise the
// acquire fails with ErrExhausted. StrategyDynamic grows before waiting.
func (p *ModelPool) Acquire(ctx context.Context, timeout time.Duration, strategy Strategy) (*Handle, error) {
	p.sizeMu.Lock()
	closed := p.closed
	p.sizeMu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if strategy == StrategyDynamic {
		h, err := p.createHandle(ctx)
		switch {
		case err == nil:
			// Feed the new instance through the queue so earlier
			// waiters stay first in line.
			p.offer(h)
		case errors.Is(err, errAtCapacity) || errors.Is(err, ErrClosed):
			// fall through to waiting
		default:
			return nil, err
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h := <-p.free:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	h, err := p.createHandle(ctx)
	if err != nil {
		if errors.Is(err, errAtCapacity) {
			p.logger.Warn("Acquire timed out with pool at capacity", map[string]interface{}{
				"timeout": timeout.String(),
			})
			return nil, ErrExhausted
		}
		return nil, err
	}

	return h, nil
}

// Release returns an instance to the pool. Unhealthy instances and
// instances above the current cap are destroyed instead.
func (p *ModelPool) Release(h *Handle) {
	if h == nil {
		return
	}

	if p.healthCheck && !p.isHealthy(h) {
		p.logger.Warn("Destroying unhealthy model instance", map[string]interface{}{
			"index":  h.index,
			"device": h.device.String(),
		})
		p.destroy(h)
		return
	}

	p.offer(h)
}

// Resize moves the pool bounds: grows to newMin, shrinks idle instances
// above newMax. Instances in flight above the new cap are destroyed as
// they come back.
func (p *ModelPool) Resize(ctx context.Context, newMin, newMax int) error {
	p.resizeMu.Lock()
	defer p.resizeMu.Unlock()

	if newMin < 0 || newMax <= 0 || newMin > newMax {
		return fmt.Errorf("invalid pool bounds: min %d, max %d", newMin, newMax)
	}
	if newMax > p.hardCap {
		p.logger.Warn("Adjusted resize max to device capacity", map[string]interface{}{
			"requested": newMax,
			"adjusted":  p.hardCap,
		})
		newMax = p.hardCap
		if newMin > newMax {
			newMin = newMax
		}
	}

	p.sizeMu.Lock()
	if p.closed {
		p.sizeMu.Unlock()
		return ErrClosed
	}
	p.minSize = newMin
	p.maxSize = newMax
	p.sizeMu.Unlock()

	p.logger.Info("Resizing model pool", map[string]interface{}{
		"min_size": newMin,
		"max_size": newMax,
	})

drain:
	for {
		p.sizeMu.Lock()
		over := p.currentSize > newMax
		p.sizeMu.Unlock()
		if !over {
			break
		}
		select {
		case h := <-p.free:
			p.destroy(h)
		default:
			break drain
		}
	}

	for {
		p.sizeMu.Lock()
		need := p.currentSize < newMin
		p.sizeMu.Unlock()
		if !need {
			break
		}
		h, err := p.createHandle(ctx)
		if err != nil {
			if errors.Is(err, errAtCapacity) {
				break
			}
			return err
		}
		p.offer(h)
	}

	return nil
}

// Stats reports current occupancy.
func (p *ModelPool) Stats() Stats {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()

	return Stats{
		CurrentSize: p.currentSize,
		MinSize:     p.minSize,
		MaxSize:     p.maxSize,
		Idle:        len(p.free),
		GPUCount:    p.gpuCount,
	}
}

// MaxSize returns the normalized maximum pool size.
func (p *ModelPool) MaxSize() int {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()
	return p.maxSize
}

// Close destroys all idle instances and refuses further acquires.
// Instances in flight are destroyed as they are released.
func (p *ModelPool) Close() {
	p.sizeMu.Lock()
	if p.closed {
		p.sizeMu.Unlock()
		return
	}
	p.closed = true
	p.sizeMu.Unlock()

	for {
		select {
		case h := <-p.free:
			p.destroy(h)
		default:
			return
		}
	}
}

// createHandle reserves a size slot and builds one instance. Instance
// indexes are never reused, keeping the GPU round-robin spread even
// across destroy/create cycles.
func (p *ModelPool) createHandle(ctx context.Context) (*Handle, error) {
	p.sizeMu.Lock()
	if p.closed {
		p.sizeMu.Unlock()
		return nil, ErrClosed
	}
	if p.currentSize >= p.maxSize {
		p.sizeMu.Unlock()
		return nil, errAtCapacity
	}
	p.currentSize++
	index := p.nextIndex
	p.nextIndex++
	p.sizeMu.Unlock()

	device := allocateDevice(p.gpuCount, index)

	transcriber, err := p.factory(ctx, device)
	if err != nil {
		p.sizeMu.Lock()
		p.currentSize--
		p.sizeMu.Unlock()
		return nil, fmt.Errorf("failed to create model instance %d on %s: %w", index, device, err)
	}

	p.logger.Info("Created model instance", map[string]interface{}{
		"index":  index,
		"device": device.String(),
	})

	return &Handle{
		index:       index,
		device:      device,
		transcriber: transcriber,
		createdAt:   time.Now(),
	}, nil
}

// offer places a handle back in the free queue, or destroys it when the
// pool is full, shrunk below it, or closed.
func (p *ModelPool) offer(h *Handle) {
	p.sizeMu.Lock()
	if p.closed || p.currentSize > p.maxSize || len(p.free) >= p.maxSize {
		p.sizeMu.Unlock()
		p.destroy(h)
		return
	}
	// Never blocks: cap(free) is the hard ceiling and maxSize <= hardCap.
	p.free <- h
	p.sizeMu.Unlock()
}

func (p *ModelPool) destroy(h *Handle) {
	if err := h.transcriber.Close(); err != nil {
		p.logger.Warn("Error closing model instance", map[string]interface{}{
			"index": h.index,
			"error": err.Error(),
		})
	}

	p.sizeMu.Lock()
	p.currentSize--
	p.sizeMu.Unlock()

	p.logger.Info("Destroyed model instance", map[string]interface{}{
		"index":  h.index,
		"device": h.device.String(),
	})
}

func (p *ModelPool) isHealthy(h *Handle) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.healthCheckTimeout)
	defer cancel()

	if err := h.transcriber.Ping(ctx); err != nil {
		p.logger.Warn("Model instance failed health check", map[string]interface{}{
			"index": h.index,
			"error": err.Error(),
		})
		return false
	}
	return true
}
