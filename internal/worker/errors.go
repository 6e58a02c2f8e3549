package worker

import "errors"

var (
	ErrNoSender = errors.New("push worker has no sender")
	ErrRunning  = errors.New("push worker pool is running")
)
