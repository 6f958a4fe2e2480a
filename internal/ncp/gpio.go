package ncp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	rpio "github.com/stianeikeland/go-rpio/v4"
)

// Resetter pulses the NCP hardware reset line.
type Resetter interface {
	Reset(ctx context.Context) error
}

// GPIOResetter drives an active-low reset pin through /dev/gpiomem on a
// Raspberry Pi.
type GPIOResetter struct {
	Pin    int
	Pulse  time.Duration
	Settle time.Duration
	logger *slog.Logger
}

// NewGPIOResetter returns a resetter for the given BCM pin number.
func NewGPIOResetter(pin int, logger *slog.Logger) *GPIOResetter {
	return &GPIOResetter{
		Pin:    pin,
		Pulse:  100 * time.Millisecond,
		Settle: 2 * time.Second,
		logger: logger,
	}
}

// Reset holds the pin low for Pulse, releases it and waits Settle for the
// NCP firmware to boot.
func (g *GPIOResetter) Reset(ctx context.Context) error {
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("gpio reset: open: %w", err)
	}
	defer rpio.Close()

	pin := rpio.Pin(g.Pin)
	pin.Output()
	pin.Low()
	g.logger.Info("NCP reset asserted", "pin", g.Pin)

	if err := sleepCtx(ctx, g.Pulse); err != nil {
		pin.High()
		return err
	}
	pin.High()
	g.logger.Info("NCP reset released", "pin", g.Pin)

	return sleepCtx(ctx, g.Settle)
}

// GPIOAvailable reports whether the GPIO memory device can be mapped.
func GPIOAvailable() bool {
	if err := rpio.Open(); err != nil {
		return false
	}
	_ = rpio.Close()
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
