// Package library indexes a media directory and serves its files over the
// stream URLs the playlist controller hands to renderers. Item ids are
// derived from the relative path, so they stay stable across rescans.
package library

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"github.com/playto/hub/internal/playto"
)

// Item is one indexed media file.
type Item struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Path         string           `json:"-"`
	MediaType    playto.MediaType `json:"media_type"`
	MimeType     string           `json:"mime_type"`
	RunTimeTicks int64            `json:"run_time_ticks,omitempty"`
}

// Library is an in-memory index over a media directory.
type Library struct {
	root string

	mu   sync.RWMutex
	byID map[string]Item
}

// New builds an empty Library rooted at dir. Call Scan to populate it.
func New(dir string) *Library {
	return &Library{root: dir, byID: make(map[string]Item)}
}

var mediaTypes = map[string]struct {
	mediaType playto.MediaType
	mime      string
}{
	".mkv":  {playto.MediaTypeVideo, "video/x-matroska"},
	".mp4":  {playto.MediaTypeVideo, "video/mp4"},
	".avi":  {playto.MediaTypeVideo, "video/x-msvideo"},
	".webm": {playto.MediaTypeVideo, "video/webm"},
	".mp3":  {playto.MediaTypeAudio, "audio/mpeg"},
	".flac": {playto.MediaTypeAudio, "audio/flac"},
	".m4a":  {playto.MediaTypeAudio, "audio/mp4"},
	".ogg":  {playto.MediaTypeAudio, "audio/ogg"},
	".wav":  {playto.MediaTypeAudio, "audio/wav"},
	".jpg":  {playto.MediaTypePhoto, "image/jpeg"},
	".jpeg": {playto.MediaTypePhoto, "image/jpeg"},
	".png":  {playto.MediaTypePhoto, "image/png"},
	".gif":  {playto.MediaTypePhoto, "image/gif"},
}

// Scan walks the media directory and rebuilds the index. Unknown extensions
// are skipped. A missing directory is not an error; the index just ends up
// empty.
func (l *Library) Scan() error {
	if l.root == "" {
		return nil
	}

	index := make(map[string]Item)
	err := filepath.WalkDir(l.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		kind, ok := mediaTypes[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}

		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			rel = path
		}
		item := Item{
			ID:        itemID(rel),
			Name:      strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())),
			Path:      path,
			MediaType: kind.mediaType,
			MimeType:  kind.mime,
		}
		index[item.ID] = item
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", l.root, err)
	}

	l.mu.Lock()
	l.byID = index
	l.mu.Unlock()
	log.Printf("LIBRARY: indexed %d item(s) under %s", len(index), l.root)
	return nil
}

// Get returns the item for an id.
func (l *Library) Get(id string) (Item, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.byID[id]
	return item, ok
}

// All returns every indexed item.
func (l *Library) All() []Item {
	l.mu.RLock()
	defer l.mu.RUnlock()
	items := make([]Item, 0, len(l.byID))
	for _, item := range l.byID {
		items = append(items, item)
	}
	return items
}

// Items resolves ids to playable items, preserving request order and
// silently skipping unknown ids.
func (l *Library) Items(_ context.Context, ids []string) ([]playto.LibraryItem, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []playto.LibraryItem
	for _, id := range ids {
		item, ok := l.byID[id]
		if !ok {
			continue
		}
		out = append(out, playto.LibraryItem{
			ID:           item.ID,
			Name:         item.Name,
			MediaType:    item.MediaType,
			RunTimeTicks: item.RunTimeTicks,
			MimeType:     item.MimeType,
		})
	}
	return out, nil
}

// itemID hashes the relative path into a stable short id.
func itemID(rel string) string {
	h := fnv.New64a()
	h.Write([]byte(filepath.ToSlash(rel)))
	return fmt.Sprintf("%016x", h.Sum64())
}
