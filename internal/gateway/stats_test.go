package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(sourceZip, 100)
	s.Observe(sourceZip, 300)
	s.Observe(sourceMultiCache, 200)
	s.Observe(sourceError, 0)

	ss := s.Snapshot()
	assert.Equal(t, uint64(2), ss.Zip)
	assert.Equal(t, uint64(1), ss.MultiCache)
	assert.Equal(t, uint64(1), ss.Errors)
	assert.Equal(t, uint64(3), ss.TotalResponses)
	assert.Equal(t, uint64(100), ss.MinRespBytes)
	assert.Equal(t, uint64(300), ss.MaxRespBytes)
	assert.Equal(t, uint64(200), ss.AvgRespBytes)
}

func TestClientLimiter_PerClient(t *testing.T) {
	l := newClientLimiter(0.001, 1)
	assert.True(t, l.Allow("192.0.2.1:1000"))
	assert.False(t, l.Allow("192.0.2.1:2000"))
	assert.True(t, l.Allow("192.0.2.2:1000"))
}
