//go:build !linux

package rasterfetch

func processRSSBytes() (uint64, bool) { return 0, false }
