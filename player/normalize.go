package player

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultAnalysisWindows = 10
	defaultAnalysisWindow  = time.Second
	minAnalysisWindows     = 3

	// DefaultTargetRMS is the loudness tracks are brought to.
	DefaultTargetRMS = 0.2

	minNormalizeGain = 0.25
	maxNormalizeGain = 4.0

	// Peaks are kept 1 dB below full scale.
	truePeakMarginDB = -1.0
)

var (
	errSilent      = errors.New("no audible samples")
	errTooShort    = errors.New("not enough audio to analyze")
	normalizeGains = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "player_normalize_gain",
		Help:    "Gain factors chosen by loudness normalization",
		Buckets: []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 4},
	})
	normalizeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "player_normalize_failures_total",
		Help: "Tracks played at unit gain because analysis failed",
	})
)

// Normalizer picks a per-track gain from the RMS level of the opening
// windows of a track. Results are cached by path and modification time.
type Normalizer struct {
	Windows   int
	Window    time.Duration
	TargetRMS float64

	logger *slog.Logger
	mu     sync.RWMutex
	cache  map[string]float64
}

// NewNormalizer returns a normalizer with the default analysis settings.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		Windows:   defaultAnalysisWindows,
		Window:    defaultAnalysisWindow,
		TargetRMS: DefaultTargetRMS,
		logger:    logger,
		cache:     make(map[string]float64),
	}
}

// cacheKey changes whenever the file is rewritten.
func cacheKey(path string) string {
	input := path
	if info, err := os.Stat(path); err == nil {
		input = fmt.Sprintf("%s::%d", path, info.ModTime().UnixNano())
	}
	return fmt.Sprintf("%x", sha256.Sum256([]byte(input)))
}

// Gain returns the gain for the track at path, analyzing stream when the
// result is not cached. The stream is rewound afterwards. Any failure
// yields unit gain.
func (n *Normalizer) Gain(path string, stream beep.StreamSeeker, format beep.Format) float64 {
	key := cacheKey(path)
	n.mu.RLock()
	gain, ok := n.cache[key]
	n.mu.RUnlock()
	if ok {
		return gain
	}

	gain, err := n.analyze(stream, format)
	if seekErr := stream.Seek(0); seekErr != nil && err == nil {
		err = fmt.Errorf("rewind: %w", seekErr)
	}
	if err != nil {
		normalizeFailures.Inc()
		n.logger.Debug("Loudness analysis failed, using unit gain",
			slog.String("track", path), slog.String("error", err.Error()))
		return 1
	}

	normalizeGains.Observe(gain)
	n.logger.Debug("Loudness gain chosen", slog.String("track", path), slog.Float64("gain", gain))
	n.mu.Lock()
	n.cache[key] = gain
	n.mu.Unlock()
	return gain
}

func (n *Normalizer) analyze(stream beep.Streamer, format beep.Format) (float64, error) {
	samples := make([][2]float64, format.SampleRate.N(n.Window))
	if len(samples) == 0 {
		return 1, errTooShort
	}

	var totalRMS, peak float64
	windows := 0
	for windows < n.Windows {
		read, ok := fill(stream, samples)
		if read == 0 {
			break
		}
		rms, p := rmsAndPeak(samples[:read])
		totalRMS += rms
		peak = math.Max(peak, p)
		windows++
		if !ok {
			break
		}
	}
	if windows == 0 || windows < minAnalysisWindows && windows < n.Windows {
		return 1, errTooShort
	}
	return gainFor(totalRMS/float64(windows), peak, n.TargetRMS)
}

// fill reads until buf is full or the stream ends.
func fill(stream beep.Streamer, buf [][2]float64) (int, bool) {
	total := 0
	for total < len(buf) {
		n, ok := stream.Stream(buf[total:])
		total += n
		if !ok || n == 0 {
			return total, ok
		}
	}
	return total, true
}

func rmsAndPeak(samples [][2]float64) (float64, float64) {
	var sum, peak float64
	for _, s := range samples {
		mono := (s[0] + s[1]) / 2
		sum += mono * mono
		peak = math.Max(peak, math.Max(math.Abs(s[0]), math.Abs(s[1])))
	}
	return math.Sqrt(sum / float64(len(samples))), peak
}

// gainFor scales rms to target, clamped and capped so the peak stays
// under the margin.
func gainFor(rms, peak, target float64) (float64, error) {
	if rms <= 0 || peak <= 0 {
		return 1, errSilent
	}
	gain := math.Min(math.Max(target/rms, minNormalizeGain), maxNormalizeGain)
	peakGain := math.Pow(10, (truePeakMarginDB-20*math.Log10(peak))/20)
	return math.Min(gain, peakGain), nil
}
