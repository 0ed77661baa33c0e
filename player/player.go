package player

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultTick           = 50 * time.Millisecond
	defaultPrepareTimeout = 5 * time.Second
	volumeBase            = 2.0
)

var secondsPlayed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "player_seconds_played_total",
	Help: "Total seconds of audio rendered by the software engine",
})

type notification struct {
	state State
	code  int
}

// loadedTrack is a prepared stream ready to be started.
type loadedTrack struct {
	path   string
	stream beep.StreamSeekCloser
	format beep.Format
	// gain is the loudness correction for this track.
	gain float64
}

// Player is a software engine. It decodes with beep, applies pause and
// volume controls and renders 16-bit PCM into a sink at playback speed.
type Player struct {
	logger         *slog.Logger
	sink           io.Writer
	gain           float64
	realtime       bool
	tick           time.Duration
	prepareTimeout time.Duration
	decoders       map[string]DecodeFunc
	normalizer     *Normalizer

	// opMu serializes public operations.
	opMu sync.Mutex

	// mu guards the fields below, shared with the prepare and pump goroutines.
	mu          sync.Mutex
	initialized bool
	closed      bool
	state       State
	generation  uint64
	prepared    chan struct{}
	prepareErr  error
	track       *loadedTrack
	pumpGen     uint64
	pumpStop    chan struct{}
	pumpDone    chan struct{}

	// streamMu guards the live beep pipeline.
	streamMu sync.Mutex
	ctrl     *beep.Ctrl

	notifyMu sync.Mutex
	callback StateCallback
	pending  []notification
	wake     chan struct{}
	done     chan struct{}

	wg sync.WaitGroup
}

// Option configures a Player.
type Option func(*Player)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Player) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSink sets where rendered PCM is written. Defaults to io.Discard.
func WithSink(w io.Writer) Option {
	return func(p *Player) {
		if w != nil {
			p.sink = w
		}
	}
}

// WithGain sets the linear output gain. 1 leaves samples unchanged, 0 mutes.
func WithGain(gain float64) Option {
	return func(p *Player) {
		if gain >= 0 {
			p.gain = gain
		}
	}
}

// WithRealtime toggles pacing at playback speed. When off, audio is
// rendered as fast as the sink accepts it.
func WithRealtime(realtime bool) Option {
	return func(p *Player) {
		p.realtime = realtime
	}
}

// WithTick sets the amount of audio rendered per pump iteration.
func WithTick(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.tick = d
		}
	}
}

// WithPrepareTimeout bounds how long Start waits for track preparation.
func WithPrepareTimeout(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.prepareTimeout = d
		}
	}
}

// WithDecoder registers a decoder for a file extension such as ".ogg".
func WithDecoder(ext string, fn DecodeFunc) Option {
	return func(p *Player) {
		p.decoders[strings.ToLower(ext)] = fn
	}
}

// WithNormalizer enables per-track loudness normalization.
func WithNormalizer(n *Normalizer) Option {
	return func(p *Player) {
		p.normalizer = n
	}
}

// New creates a Player. Nothing runs until Initialize is called.
func New(opts ...Option) *Player {
	p := &Player{
		logger:         slog.Default(),
		sink:           io.Discard,
		gain:           1,
		realtime:       true,
		tick:           defaultTick,
		prepareTimeout: defaultPrepareTimeout,
		decoders:       defaultDecoders(),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize starts the callback goroutine. Calling it twice is a no-op.
func (p *Player) Initialize() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.initialized {
		return nil
	}
	p.initialized = true
	p.wg.Add(1)
	go p.callbackLoop()
	return nil
}

// SetStateCallback installs the state-change callback.
func (p *Player) SetStateCallback(cb StateCallback) {
	p.notifyMu.Lock()
	p.callback = cb
	p.notifyMu.Unlock()
}

// notify queues a state change for the callback goroutine. It never blocks.
func (p *Player) notify(state State, code int) {
	p.notifyMu.Lock()
	p.pending = append(p.pending, notification{state: state, code: code})
	p.notifyMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Player) callbackLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}

		p.notifyMu.Lock()
		batch := p.pending
		p.pending = nil
		cb := p.callback
		p.notifyMu.Unlock()

		if cb == nil {
			continue
		}
		for _, n := range batch {
			cb(n.state, n.code)
		}
	}
}

// setStateLocked records state and notifies. Callers hold p.mu.
func (p *Player) setStateLocked(state State, code int) {
	p.state = state
	p.notify(state, code)
}

// LoadTrack checks that path exists and prepares it asynchronously.
// Preparation failures are reported through the callback.
func (p *Player) LoadTrack(path string) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	p.halt()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return ErrNotInitialized
	}
	if p.closed {
		return ErrClosed
	}

	p.releaseTrackLocked()
	p.generation++
	prepared := make(chan struct{})
	p.prepared = prepared
	p.prepareErr = nil
	p.setStateLocked(StateLoading, ErrCodeNone)

	p.wg.Add(1)
	go p.prepare(p.generation, path, prepared)
	return nil
}

func (p *Player) prepare(gen uint64, path string, prepared chan struct{}) {
	defer p.wg.Done()
	defer close(prepared)

	stream, format, code, err := p.open(path)
	gain := 1.0
	if err == nil && p.normalizer != nil {
		gain = p.normalizer.Gain(path, stream, format)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		if stream != nil {
			stream.Close()
		}
		return
	}
	if err != nil {
		p.logger.Warn("Track preparation failed", slog.String("track", path), slog.String("error", err.Error()))
		p.prepareErr = err
		p.setStateLocked(StateError, code)
		return
	}
	p.track = &loadedTrack{path: path, stream: stream, format: format, gain: gain}
}

func (p *Player) open(path string) (beep.StreamSeekCloser, beep.Format, int, error) {
	decode, ok := p.decoders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, beep.Format{}, ErrCodeUnsupported, fmt.Errorf("%s: %w", path, errUnsupportedFormat)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, ErrCodeIO, err
	}
	stream, format, err := decode(f)
	if err != nil {
		f.Close()
		return nil, beep.Format{}, ErrCodeDecode, fmt.Errorf("decode %s: %w", path, err)
	}
	return stream, format, ErrCodeNone, nil
}

// Start waits for preparation to finish and begins rendering.
func (p *Player) Start() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	prepared, gen := p.prepared, p.generation
	p.mu.Unlock()
	if prepared == nil {
		return ErrNoTrack
	}

	timer := time.NewTimer(p.prepareTimeout)
	defer timer.Stop()
	select {
	case <-prepared:
	case <-timer.C:
		return ErrPrepareTimeout
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case gen != p.generation || p.track == nil && p.prepareErr == nil:
		return ErrNoTrack
	case p.prepareErr != nil:
		return fmt.Errorf("prepare: %w", p.prepareErr)
	case p.pumpStop != nil:
		return ErrInvalidState
	}

	ctrl := &beep.Ctrl{Streamer: p.track.stream}
	gain := p.gain * p.track.gain
	volume := &effects.Volume{
		Streamer: ctrl,
		Base:     volumeBase,
		Volume:   math.Log2(math.Max(gain, 1e-6)),
		Silent:   gain == 0,
	}
	p.streamMu.Lock()
	p.ctrl = ctrl
	p.streamMu.Unlock()

	p.pumpGen++
	p.pumpStop = make(chan struct{})
	p.pumpDone = make(chan struct{})
	p.wg.Add(1)
	go p.pump(p.pumpGen, volume, p.track.format, p.pumpStop, p.pumpDone)

	p.setStateLocked(StatePlaying, ErrCodeNone)
	return nil
}

type pumpResult int

const (
	pumpStopped pumpResult = iota
	pumpEnded
	pumpFailed
)

func (p *Player) pump(gen uint64, src beep.Streamer, format beep.Format, stop, done chan struct{}) {
	defer p.wg.Done()

	result := p.render(src, format, stop)
	close(done)
	if result == pumpStopped {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.pumpGen || p.pumpStop == nil {
		return
	}
	p.pumpStop, p.pumpDone = nil, nil
	if result == pumpEnded {
		p.setStateLocked(StateStopped, ErrCodeNone)
		return
	}
	p.setStateLocked(StateError, ErrCodeOutput)
}

func (p *Player) render(src beep.Streamer, format beep.Format, stop <-chan struct{}) pumpResult {
	n := format.SampleRate.N(p.tick)
	if n < 1 {
		n = 1
	}
	samples := make([][2]float64, n)
	pcm := make([]byte, 0, n*bytesPerFrame)

	var tick <-chan time.Time
	if p.realtime {
		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-stop:
				return pumpStopped
			case <-tick:
			}
		} else {
			select {
			case <-stop:
				return pumpStopped
			default:
			}
		}

		p.streamMu.Lock()
		if p.ctrl != nil && p.ctrl.Paused {
			p.streamMu.Unlock()
			if tick == nil {
				// Nothing to render while paused.
				select {
				case <-stop:
					return pumpStopped
				case <-time.After(p.tick):
				}
			}
			continue
		}
		filled, ok := src.Stream(samples)
		err := src.Err()
		p.streamMu.Unlock()

		if filled > 0 {
			pcm = encodePCM(pcm, samples[:filled])
			if _, werr := p.sink.Write(pcm); werr != nil {
				p.logger.Error("Audio sink write failed", slog.String("error", werr.Error()))
				return pumpFailed
			}
			secondsPlayed.Add(format.SampleRate.D(filled).Seconds())
		}
		if err != nil {
			p.logger.Error("Audio stream failed", slog.String("error", err.Error()))
			return pumpFailed
		}
		if !ok {
			return pumpEnded
		}
	}
}

// halt stops the pump, if any, and waits for it to exit.
// It must be called without p.mu held.
func (p *Player) halt() {
	p.mu.Lock()
	stop, done := p.pumpStop, p.pumpDone
	p.pumpStop, p.pumpDone = nil, nil
	p.pumpGen++
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	p.streamMu.Lock()
	p.ctrl = nil
	p.streamMu.Unlock()
}

// Pause suspends rendering. Only valid while playing.
func (p *Player) Pause() error {
	return p.setPaused(true, StatePlaying, StatePaused)
}

// Resume continues a paused track.
func (p *Player) Resume() error {
	return p.setPaused(false, StatePaused, StatePlaying)
}

func (p *Player) setPaused(paused bool, from, to State) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from || p.pumpStop == nil {
		return fmt.Errorf("%w: %s", ErrInvalidState, p.state)
	}

	p.streamMu.Lock()
	p.ctrl.Paused = paused
	p.streamMu.Unlock()

	p.setStateLocked(to, ErrCodeNone)
	return nil
}

// Stop halts rendering and reports Stopped. The track stays loaded.
func (p *Player) Stop() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.halt()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle && p.state != StateStopped {
		p.setStateLocked(StateStopped, ErrCodeNone)
	}
	if p.track != nil {
		if err := p.track.stream.Seek(0); err != nil {
			p.logger.Debug("Rewind after stop failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Reset unloads the current track and returns to Idle.
func (p *Player) Reset() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.halt()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.prepared = nil
	p.prepareErr = nil
	p.releaseTrackLocked()
	p.setStateLocked(StateIdle, ErrCodeNone)
	return nil
}

func (p *Player) releaseTrackLocked() {
	if p.track == nil {
		return
	}
	if err := p.track.stream.Close(); err != nil {
		p.logger.Debug("Closing track failed", slog.String("track", p.track.path), slog.String("error", err.Error()))
	}
	p.track = nil
}

// Seek moves the play position to ms milliseconds, clamped to the track.
func (p *Player) Seek(ms int) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return ErrNoTrack
	}

	target := p.track.format.SampleRate.N(time.Duration(ms) * time.Millisecond)
	if length := p.track.stream.Len(); target >= length {
		target = length - 1
	}
	if target < 0 {
		target = 0
	}

	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	return p.track.stream.Seek(target)
}

// Position returns the play position of the loaded track.
func (p *Player) Position() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return 0, ErrNoTrack
	}

	p.streamMu.Lock()
	pos := p.track.stream.Position()
	p.streamMu.Unlock()
	return p.track.format.SampleRate.D(pos), nil
}

// Duration returns the length of the loaded track.
func (p *Player) Duration() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return 0, ErrNoTrack
	}
	return p.track.format.SampleRate.D(p.track.stream.Len()), nil
}

// Close stops playback and the callback goroutine.
func (p *Player) Close() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.halt()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.generation++
	p.releaseTrackLocked()
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	return nil
}
