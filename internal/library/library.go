// Package library indexes the Ogg/Opus files a source device can stream and
// keeps the index current while files are added or removed.
package library

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("library")

var ErrEmpty = errors.New("library is empty")

// Song is one streamable file.
type Song struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Path       string `json:"-"`
	DurationMs int64  `json:"duration_ms"`
}

// Library is a live index of a directory of .ogg/.opus files.
type Library struct {
	dir     string
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	songs map[string]Song // by absolute path

	onChange func()
	closed   chan struct{}
	once     sync.Once
}

// Open scans dir and starts watching it. onChange, if non-nil, is called
// after the index changes.
func Open(dir string, onChange func()) (*Library, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	l := &Library{
		dir:      abs,
		watcher:  watcher,
		songs:    make(map[string]Song),
		onChange: onChange,
		closed:   make(chan struct{}),
	}

	if err := l.scan(); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(abs); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}
	go l.watchLoop()

	log.Infof("%d song(s) loaded from %s", l.Len(), abs)
	return l, nil
}

func (l *Library) Dir() string { return l.dir }

func (l *Library) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.watcher.Close()
	})
	return err
}

func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.songs)
}

// Songs returns all songs ordered by title.
func (l *Library) Songs() []Song {
	l.mu.RLock()
	out := make([]Song, 0, len(l.songs))
	for _, s := range l.songs {
		out = append(out, s)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Title == out[j].Title {
			return out[i].Path < out[j].Path
		}
		return out[i].Title < out[j].Title
	})
	return out
}

func (l *Library) Song(id string) (Song, bool) {
	for _, s := range l.Songs() {
		if s.ID == id {
			return s, true
		}
	}
	return Song{}, false
}

// First returns the first song in title order.
func (l *Library) First() (Song, error) {
	songs := l.Songs()
	if len(songs) == 0 {
		return Song{}, ErrEmpty
	}
	return songs[0], nil
}

// Next returns the song after id, wrapping around. An unknown id yields
// the first song.
func (l *Library) Next(id string) (Song, error) { return l.step(id, 1) }

// Previous returns the song before id, wrapping around.
func (l *Library) Previous(id string) (Song, error) { return l.step(id, -1) }

func (l *Library) step(id string, delta int) (Song, error) {
	songs := l.Songs()
	if len(songs) == 0 {
		return Song{}, ErrEmpty
	}
	for i, s := range songs {
		if s.ID == id {
			return songs[(i+delta+len(songs))%len(songs)], nil
		}
	}
	return songs[0], nil
}

func (l *Library) scan() error {
	return filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != l.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if isAudio(path) {
			l.add(path)
		}
		return nil
	})
}

func (l *Library) add(path string) bool {
	durationMs, err := ProbeDuration(path)
	if err != nil {
		log.Warnw("skipping unreadable file", "path", path, "err", err)
		return false
	}
	rel, _ := filepath.Rel(l.dir, path)
	s := Song{
		ID:         uuid.NewSHA1(uuid.NameSpaceURL, []byte("tunepair:"+rel)).String(),
		Title:      strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path:       path,
		DurationMs: durationMs,
	}

	l.mu.Lock()
	l.songs[path] = s
	l.mu.Unlock()
	return true
}

func (l *Library) remove(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.songs[path]; !ok {
		return false
	}
	delete(l.songs, path)
	return true
}

func (l *Library) watchLoop() {
	for {
		select {
		case <-l.closed:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !isAudio(event.Name) {
				continue
			}

			changed := false
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				changed = l.add(event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				changed = l.remove(event.Name)
			}
			if changed {
				log.Debugw("library changed", "path", event.Name, "op", event.Op.String())
				if l.onChange != nil {
					l.onChange()
				}
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("watch error", "err", err)
		}
	}
}

func isAudio(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ogg", ".opus":
		return true
	}
	return false
}
