package player

import (
	"errors"
	"sync"
	"time"
)

// ErrMock is returned by Mock operations configured to fail.
var ErrMock = errors.New("mock engine failure")

// Mock is an Engine for tests. It records calls and, unless AutoCallbacks
// is disabled, reports the state each call would produce. Callbacks are
// delivered on the mock's own goroutine, like a real engine.
type Mock struct {
	mu            sync.Mutex
	callback      StateCallback
	calls         []string
	loaded        []string
	failLoad      map[string]bool
	failStart     bool
	failSeek      bool
	autoCallbacks bool
	stopCallback  bool
	position      time.Duration
	duration      time.Duration

	queue  chan notification
	closed chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMock creates a mock with automatic callbacks enabled.
func NewMock() *Mock {
	m := &Mock{
		failLoad:      make(map[string]bool),
		autoCallbacks: true,
		stopCallback:  true,
		queue:         make(chan notification, 256),
		closed:        make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

func (m *Mock) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.closed:
			return
		case n := <-m.queue:
			m.mu.Lock()
			cb := m.callback
			m.mu.Unlock()
			if cb != nil {
				cb(n.state, n.code)
			}
		}
	}
}

// SetAutoCallbacks toggles the automatic state reports.
func (m *Mock) SetAutoCallbacks(enabled bool) {
	m.mu.Lock()
	m.autoCallbacks = enabled
	m.mu.Unlock()
}

// SetStopCallback toggles the Stopped report after Stop, independently of
// the other automatic reports. Disabling it simulates a hung engine.
func (m *Mock) SetStopCallback(enabled bool) {
	m.mu.Lock()
	m.stopCallback = enabled
	m.mu.Unlock()
}

// FailLoad makes LoadTrack fail for path.
func (m *Mock) FailLoad(path string) {
	m.mu.Lock()
	m.failLoad[path] = true
	m.mu.Unlock()
}

// FailStart makes Start fail.
func (m *Mock) FailStart(fail bool) {
	m.mu.Lock()
	m.failStart = fail
	m.mu.Unlock()
}

// FailSeek makes Seek fail.
func (m *Mock) FailSeek(fail bool) {
	m.mu.Lock()
	m.failSeek = fail
	m.mu.Unlock()
}

// SetTiming sets what Position and Duration report.
func (m *Mock) SetTiming(position, duration time.Duration) {
	m.mu.Lock()
	m.position, m.duration = position, duration
	m.mu.Unlock()
}

// Emit delivers a callback as if the engine reported it.
func (m *Mock) Emit(state State, code int) {
	select {
	case m.queue <- notification{state: state, code: code}:
	case <-m.closed:
	}
}

// Calls returns the names of the engine methods invoked so far.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount counts invocations of the named method.
func (m *Mock) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c == name {
			count++
		}
	}
	return count
}

// Loaded returns the paths passed to LoadTrack.
func (m *Mock) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.loaded...)
}

// record notes a call and returns whether auto callbacks are on.
func (m *Mock) record(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	return m.autoCallbacks
}

func (m *Mock) auto(enabled bool, state State) {
	if enabled {
		m.Emit(state, ErrCodeNone)
	}
}

func (m *Mock) Initialize() error {
	m.record("Initialize")
	return nil
}

func (m *Mock) SetStateCallback(cb StateCallback) {
	m.mu.Lock()
	m.callback = cb
	m.mu.Unlock()
}

func (m *Mock) LoadTrack(path string) error {
	auto := m.record("LoadTrack")
	m.mu.Lock()
	m.loaded = append(m.loaded, path)
	fail := m.failLoad[path]
	m.mu.Unlock()
	if fail {
		return ErrMock
	}
	m.auto(auto, StateLoading)
	return nil
}

func (m *Mock) Start() error {
	auto := m.record("Start")
	m.mu.Lock()
	fail := m.failStart
	m.mu.Unlock()
	if fail {
		return ErrMock
	}
	m.auto(auto, StatePlaying)
	return nil
}

func (m *Mock) Pause() error {
	m.auto(m.record("Pause"), StatePaused)
	return nil
}

func (m *Mock) Resume() error {
	m.auto(m.record("Resume"), StatePlaying)
	return nil
}

func (m *Mock) Stop() error {
	auto := m.record("Stop")
	m.mu.Lock()
	stop := m.stopCallback
	m.mu.Unlock()
	m.auto(auto && stop, StateStopped)
	return nil
}

func (m *Mock) Reset() error {
	m.auto(m.record("Reset"), StateIdle)
	return nil
}

func (m *Mock) Seek(ms int) error {
	m.record("Seek")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSeek {
		return ErrMock
	}
	m.position = time.Duration(ms) * time.Millisecond
	return nil
}

func (m *Mock) Position() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position, nil
}

func (m *Mock) Duration() (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration, nil
}

// Close stops the callback goroutine.
func (m *Mock) Close() error {
	m.once.Do(func() {
		close(m.closed)
		m.wg.Wait()
	})
	return nil
}
