//go:build !linux

package gateway

func processRSSBytes() (uint64, bool) { return 0, false }
