// Package prefs owns the user's unit-preferences file: load with preset
// fallback, atomic save, and a watcher that applies edits made while the
// relay is running.
package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/units"
)

const debounce = 250 * time.Millisecond

// Store holds the active unit preferences and keeps them in sync with the
// preferences file.
type Store struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	current  units.Preferences
	onChange []func(units.Preferences)
}

// NewStore loads preferences from path, falling back to the named preset
// when the file is missing or invalid.
func NewStore(path, preset string, logger zerolog.Logger) *Store {
	s := &Store{
		path:    path,
		logger:  logger.With().Str("component", "prefs").Logger(),
		current: units.Preset(preset),
	}
	if prefs, err := readFile(path); err == nil {
		s.current = prefs
		s.logger.Info().Str("path", path).Msg("Unit preferences loaded")
	} else if !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", path).Msg("Unit preferences unreadable, using preset")
	}
	return s
}

// Current returns the active preferences.
func (s *Store) Current() units.Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers a callback fired after every accepted change.
func (s *Store) OnChange(fn func(units.Preferences)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Set validates, applies, and persists new preferences.
func (s *Store) Set(prefs units.Preferences) error {
	if err := prefs.Validate(); err != nil {
		return fmt.Errorf("invalid unit preferences: %w", err)
	}
	s.apply(prefs)
	return s.save(prefs)
}

func (s *Store) apply(prefs units.Preferences) {
	s.mu.Lock()
	s.current = prefs
	callbacks := make([]func(units.Preferences), len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(prefs)
	}
}

// save writes atomically: temp file in the same directory, then rename.
func (s *Store) save(prefs units.Preferences) error {
	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode unit preferences: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write unit preferences: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace unit preferences: %w", err)
	}
	return nil
}

// Watch follows file edits until ctx ends. Events are debounced because
// editors produce several writes per save; a reload that fails validation is
// logged and the previous preferences stay active.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create preferences watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors rename over the file, which drops a
	// watch held on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch preferences dir: %w", err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("Preferences watcher error")
		case <-reload:
			s.reload()
		}
	}
}

func (s *Store) reload() {
	prefs, err := readFile(s.path)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Preferences reload failed, keeping previous")
		return
	}
	if prefs == s.Current() {
		return
	}
	s.apply(prefs)
	s.logger.Info().Msg("Unit preferences reloaded")
}

func readFile(path string) (units.Preferences, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return units.Preferences{}, err
	}
	var prefs units.Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return units.Preferences{}, fmt.Errorf("parse %s: %w", path, err)
	}
	prefs = canonicalize(prefs)
	if err := prefs.Validate(); err != nil {
		return units.Preferences{}, err
	}
	return prefs, nil
}

// canonicalize folds legacy unit spellings before validation so old files
// keep working.
func canonicalize(p units.Preferences) units.Preferences {
	p.Length = units.CanonicalUnit(p.Length)
	p.Speed = units.CanonicalUnit(p.Speed)
	p.Temperature = units.CanonicalUnit(p.Temperature)
	p.Pressure = units.CanonicalUnit(p.Pressure)
	p.Angle = units.CanonicalUnit(p.Angle)
	p.Volume = units.CanonicalUnit(p.Volume)
	return p
}
