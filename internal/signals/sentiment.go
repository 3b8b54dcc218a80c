package signals

import "time"

// SentimentSource is one external mood feed (fear/greed index, social
// aggregate, funding skew). Sub-sources live outside this process and are
// plugged in at wiring time.
type SentimentSource interface {
	Name() string
	Read(symbol string) (float64, error) // score in [0,100]
}

// SentimentFetcher averages whatever sub-sources answer; confidence reflects
// how many of them were healthy this cycle.
type SentimentFetcher struct {
	sources []SentimentSource
}

func NewSentimentFetcher(sources ...SentimentSource) *SentimentFetcher {
	return &SentimentFetcher{sources: sources}
}

func (f *SentimentFetcher) Name() string { return "sentiment" }

func (f *SentimentFetcher) Score(symbol string, _ Context) Signal {
	if len(f.sources) == 0 {
		return Neutral(f.Name(), symbol)
	}

	var sum float64
	healthy := 0
	for _, src := range f.sources {
		v, err := src.Read(symbol)
		if err != nil {
			continue
		}
		sum += clampScore(v)
		healthy++
	}
	if healthy == 0 {
		return Neutral(f.Name(), symbol)
	}

	return Signal{
		Source:      f.Name(),
		Symbol:      symbol,
		Score:       sum / float64(healthy),
		Confidence:  clamp01(float64(healthy) / float64(len(f.sources))),
		GeneratedAt: time.Now(),
	}
}
