package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"pod-service/internal/logger"
)

type InputCallback func(channel string, value bool) error

// debouncer drops repeated levels and edges closer together than window to
// the last reported one. Edges inside the window still update the observed
// level, so a tap shorter than window does not mask the next press.
// Timestamps are the kernel's monotonic event times.
type debouncer struct {
	window   time.Duration
	last     time.Duration
	observed bool
	seen     bool
}

func (d *debouncer) accept(value bool, at time.Duration) bool {
	if d.seen && value == d.observed {
		return false
	}
	d.observed = value
	if d.seen && at-d.last < d.window {
		return false
	}
	d.seen = true
	d.last = at
	return true
}

// LinuxHardwareIO owns the GPIO lines of the pod: the e-stop input and the
// brake lamp output.
type LinuxHardwareIO struct {
	logger         *logger.Logger
	chips          map[string]*gpiocdev.Chip
	lines          map[string]*gpiocdev.Line
	inputCallbacks map[string]InputCallback
	debounce       map[string]*debouncer
	mu             sync.RWMutex
}

func NewLinuxHardwareIO(l *logger.Logger) *LinuxHardwareIO {
	if l == nil {
		l = logger.NewNop()
	}
	return &LinuxHardwareIO{
		logger:         l,
		chips:          make(map[string]*gpiocdev.Chip),
		lines:          make(map[string]*gpiocdev.Line),
		inputCallbacks: make(map[string]InputCallback),
		debounce:       make(map[string]*debouncer),
	}
}

func (io *LinuxHardwareIO) chip(name string) (*gpiocdev.Chip, error) {
	io.mu.Lock()
	defer io.mu.Unlock()
	if c, ok := io.chips[name]; ok {
		return c, nil
	}
	c, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", name, err)
	}
	io.chips[name] = c
	return c, nil
}

// RequestInput requests an active-low input with edge events on both edges.
// The kernel debounces where supported; events are filtered again in
// software with the same window.
func (io *LinuxHardwareIO) RequestInput(channel, chipName string, offset int, debounce time.Duration) error {
	chip, err := io.chip(chipName)
	if err != nil {
		return err
	}

	io.mu.Lock()
	io.debounce[channel] = &debouncer{window: debounce}
	io.mu.Unlock()

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.AsActiveLow,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithConsumer(Consumer),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			io.handleEvent(channel, evt)
		}),
	}
	if debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(debounce))
	}

	line, err := chip.RequestLine(offset, opts...)
	if err != nil {
		return fmt.Errorf("failed to request GPIO line %d on %s: %w", offset, chipName, err)
	}

	io.mu.Lock()
	io.lines[channel] = line
	io.mu.Unlock()
	io.logger.Infof("Configured DI %s: chip=%s, line=%d", channel, chipName, offset)
	return nil
}

func (io *LinuxHardwareIO) RequestOutput(channel, chipName string, offset int, initial bool) error {
	chip, err := io.chip(chipName)
	if err != nil {
		return err
	}

	val := 0
	if initial {
		val = 1
	}
	line, err := chip.RequestLine(offset,
		gpiocdev.AsOutput(val),
		gpiocdev.WithConsumer(Consumer))
	if err != nil {
		return fmt.Errorf("failed to request GPIO line %d on %s: %w", offset, chipName, err)
	}

	io.mu.Lock()
	io.lines[channel] = line
	io.mu.Unlock()
	io.logger.Infof("Configured DO %s: chip=%s, line=%d", channel, chipName, offset)
	return nil
}

func (io *LinuxHardwareIO) handleEvent(channel string, evt gpiocdev.LineEvent) {
	value := evt.Type == gpiocdev.LineEventRisingEdge
	io.logger.Debugf("Edge event: channel=%s value=%v seqno=%d", channel, value, evt.Seqno)
	io.dispatch(channel, value, evt.Timestamp)
}

func (io *LinuxHardwareIO) dispatch(channel string, value bool, at time.Duration) {
	io.mu.Lock()
	d, ok := io.debounce[channel]
	accepted := !ok || d.accept(value, at)
	callback, exists := io.inputCallbacks[channel]
	io.mu.Unlock()

	if !accepted {
		io.logger.Debugf("Ignoring bounce on %s", channel)
		return
	}
	if !exists {
		io.logger.Debugf("No callback registered for channel: %s", channel)
		return
	}
	if err := callback(channel, value); err != nil {
		io.logger.Warnf("Error in callback for %s: %v", channel, err)
	}
}

func (io *LinuxHardwareIO) RegisterInputCallback(channel string, callback InputCallback) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.inputCallbacks[channel] = callback
	io.logger.Debugf("Registered callback for channel: %s", channel)
}

func (io *LinuxHardwareIO) ReadDigitalInput(channel string) (bool, error) {
	io.mu.RLock()
	line, ok := io.lines[channel]
	io.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown input channel: %s", channel)
	}
	v, err := line.Value()
	if err != nil {
		return false, fmt.Errorf("failed to read DI %s: %w", channel, err)
	}
	return v == 1, nil
}

func (io *LinuxHardwareIO) WriteDigitalOutput(channel string, value bool) error {
	io.mu.RLock()
	line, ok := io.lines[channel]
	io.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown digital output channel: %s", channel)
	}

	val := 0
	if value {
		val = 1
	}

	if err := line.SetValue(val); err != nil {
		return fmt.Errorf("failed to set DO %s=%v: %w", channel, value, err)
	}

	io.logger.Debugf("Set DO %s=%v", channel, value)
	return nil
}

func (io *LinuxHardwareIO) Cleanup() {
	io.mu.Lock()
	defer io.mu.Unlock()

	io.logger.Infof("Cleaning up hardware resources")

	for name, line := range io.lines {
		line.Close()
		io.logger.Debugf("Closed GPIO line for %s", name)
	}
	io.lines = make(map[string]*gpiocdev.Line)

	for name, chip := range io.chips {
		chip.Close()
		io.logger.Debugf("Closed GPIO chip %s", name)
	}
	io.chips = make(map[string]*gpiocdev.Chip)
}
