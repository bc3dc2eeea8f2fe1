package gateway

import (
	"math"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// statsCollector tracks response sizes between stats log lines.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	bySource [4]atomic.Uint64 // zip, multi, multi-cache, error
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func sourceSlot(source string) int {
	switch source {
	case sourceZip:
		return 0
	case sourceMulti:
		return 1
	case sourceMultiCache:
		return 2
	}
	return 3
}

func (s *statsCollector) Observe(source string, respBytes int64) {
	s.bySource[sourceSlot(source)].Add(1)
	if source == sourceError {
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64

	Zip, Multi, MultiCache, Errors uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Zip:        s.bySource[0].Load(),
		Multi:      s.bySource[1].Load(),
		MultiCache: s.bySource[2].Load(),
		Errors:     s.bySource[3].Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func formatBytes(b uint64) string { return humanize.IBytes(b) }
