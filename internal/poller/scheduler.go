package poller

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"modbus-bridge/internal/device"
)

const (
	// DefaultDevicePause separates consecutive devices within a sweep.
	DefaultDevicePause = 1 * time.Second
	// DefaultSweepRest separates consecutive sweeps in continuous mode.
	DefaultSweepRest = 5 * time.Second
)

// Sink receives one successful reading at a time, in sweep order. A sink
// error is logged and the sweep continues; the scheduler never retries a
// hand-off.
type Sink interface {
	Publish(ctx context.Context, deviceName string, address uint16, values []uint16) error
}

// Recorder observes successful readings locally, e.g. for a journal.
type Recorder interface {
	Record(deviceName string, address uint16, values []uint16)
}

// Config assembles a Scheduler.
type Config struct {
	Store  *device.Store
	Opener Opener
	Sink   Sink
	// Recorder is optional.
	Recorder    Recorder
	DevicePause time.Duration
	SweepRest   time.Duration
}

// Scheduler drives polling sweeps: it walks the device store in order,
// opens one session per device, reads, forwards the successes to the sink
// and closes the session before moving on. Devices are polled strictly
// sequentially; no two sessions are ever open at the same time.
type Scheduler struct {
	store       *device.Store
	opener      Opener
	sink        Sink
	recorder    Recorder
	devicePause time.Duration
	sweepRest   time.Duration
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("poller: Config.Store is required")
	}
	if cfg.Opener == nil {
		return nil, errors.New("poller: Config.Opener is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("poller: Config.Sink is required")
	}
	if cfg.DevicePause <= 0 {
		cfg.DevicePause = DefaultDevicePause
	}
	if cfg.SweepRest <= 0 {
		cfg.SweepRest = DefaultSweepRest
	}
	return &Scheduler{
		store:       cfg.Store,
		opener:      cfg.Opener,
		sink:        cfg.Sink,
		recorder:    cfg.Recorder,
		devicePause: cfg.DevicePause,
		sweepRest:   cfg.SweepRest,
	}, nil
}

// Sweep performs one full pass over the device store. Connect failures and
// read faults are logged and never abort the pass; the only early exit is
// context cancellation, checked between devices so in-flight device I/O
// completes or times out on its own.
func (s *Scheduler) Sweep(ctx context.Context) error {
	for _, d := range s.store.Descriptors() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.pollDevice(ctx, d)
		if err := sleepCtx(ctx, s.devicePause); err != nil {
			return err
		}
	}
	return nil
}

// Run executes sweeps on a fixed cadence until the context is cancelled.
// Cancellation is a normal exit, not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		start := time.Now()
		if err := s.Sweep(ctx); err != nil {
			return nil
		}
		log.Debug().Dur("took", time.Since(start)).Int("devices", s.store.Len()).Msg("sweep complete")
		if err := sleepCtx(ctx, s.sweepRest); err != nil {
			return nil
		}
	}
}

// pollDevice owns the session lifecycle for one device within one sweep:
// open, read all specs, publish successes, close on every exit path.
func (s *Scheduler) pollDevice(ctx context.Context, d device.Descriptor) {
	sess, err := s.opener.Open(d)
	if err != nil {
		log.Warn().Err(err).Str("device", d.Name).Str("addr", d.Addr()).Msg("connect failed, skipping device")
		return
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Str("device", d.Name).Msg("session close failed")
		}
	}()
	log.Debug().Str("device", d.Name).Str("addr", d.Addr()).Msg("connected")

	for _, r := range ReadAll(sess, d.Reads) {
		if !r.Ok() {
			log.Error().Err(r.Err).Str("device", d.Name).Uint16("address", r.Address).Msg("register read failed")
			continue
		}
		log.Debug().Str("device", d.Name).Uint16("address", r.Address).Uints16("values", r.Values).Msg("register read")
		if s.recorder != nil {
			s.recorder.Record(d.Name, r.Address, r.Values)
		}
		if err := s.sink.Publish(ctx, d.Name, r.Address, r.Values); err != nil {
			log.Warn().Err(err).Str("device", d.Name).Uint16("address", r.Address).Msg("telemetry publish failed")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
