package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "relaybot/pkg/logx"
)

const (
	watchDebounce    = 250 * time.Millisecond
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

var errWatchClosed = errors.New("file watcher closed")

// WatchFile calls onChange after path settles following a write, create,
// rename or remove. The directory is watched so editors that replace the
// file atomically are seen. A broken watcher is recreated with jittered
// backoff. onChange never runs concurrently with itself. WatchFile returns
// nil once ctx is done.
func WatchFile(ctx context.Context, path string, log logx.Logger, onChange func(context.Context)) error {
	w := &fileWatch{
		dir:      filepath.Dir(path),
		file:     filepath.Base(path),
		log:      log.With(logx.String("path", path)),
		onChange: onChange,
		backoff:  watchBackoffBase,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		fire:     make(chan struct{}, 1),
	}
	return w.run(ctx)
}

type fileWatch struct {
	dir, file string
	log       logx.Logger
	onChange  func(context.Context)

	backoff time.Duration
	rng     *rand.Rand

	timerMu sync.Mutex
	timer   *time.Timer
	fire    chan struct{}
}

func (w *fileWatch) run(ctx context.Context) error {
	defer w.stopTimer()
	for {
		fw, err := w.open()
		if err != nil {
			w.log.Warn("file watch init failed", logx.String("dir", w.dir), logx.Err(err))
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}
		w.backoff = watchBackoffBase
		w.log.Debug("file watcher started", logx.String("dir", w.dir), logx.String("file", w.file))

		err = w.loop(ctx, fw)
		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("file watcher stopped; restarting", logx.String("dir", w.dir), logx.Err(err))
		if !w.sleep(ctx) {
			return nil
		}
	}
}

func (w *fileWatch) open() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return fw, nil
}

// loop runs until ctx is done or the watcher breaks.
func (w *fileWatch) loop(ctx context.Context, fw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.fire:
			w.onChange(ctx)
		case ev, ok := <-fw.Events:
			if !ok {
				return errWatchClosed
			}
			if !strings.EqualFold(filepath.Base(ev.Name), w.file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.schedule()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errWatchClosed
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			switch {
			case strings.Contains(msg, "overflow"):
				// events may have been missed
				w.log.Warn("file watch overflow; forcing reload", logx.Err(err))
				w.schedule()
			case strings.Contains(msg, "closed"):
				return err
			default:
				w.log.Warn("file watch error", logx.Err(err))
			}
		}
	}
}

// schedule debounces partial writes into one onChange call.
func (w *fileWatch) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		select {
		case w.fire <- struct{}{}:
		default:
		}
	})
}

func (w *fileWatch) stopTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// sleep waits out the current backoff and doubles it. It reports false when
// ctx ended first.
func (w *fileWatch) sleep(ctx context.Context) bool {
	wait := w.backoff + time.Duration(w.rng.Int63n(int64(w.backoff/2)+1))
	w.backoff = min(w.backoff*2, watchBackoffMax)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
