//go:build !linux

package goroutineid

func osThread() int {
	return 0
}
