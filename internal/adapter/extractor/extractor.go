package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/cwygoda/harvester/internal/domain"
)

// Adapter is an extractor that handles a subset of URLs.
type Adapter interface {
	domain.Extractor
	Name() string
	Match(url string) bool
}

var audioExts = map[string]bool{
	"mp3": true, "m4a": true, "aac": true, "ogg": true, "oga": true,
	"opus": true, "wav": true, "flac": true, "weba": true,
}

// kindForExt guesses the media kind from a file extension.
func kindForExt(ext string) domain.MediaKind {
	if audioExts[strings.ToLower(strings.TrimPrefix(ext, "."))] {
		return domain.KindAudio
	}
	return domain.KindAudioVideo
}

// collectArtifact picks the largest regular file in dir as the fetched
// artifact. Partial downloads (.part, .ytdl) are ignored.
func collectArtifact(dir string) (path string, size int64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", 0, err
		}
		if path == "" || info.Size() > size {
			path = filepath.Join(dir, name)
			size = info.Size()
		}
	}

	if path == "" {
		return "", 0, fmt.Errorf("no file produced in %s", dir)
	}
	return path, size, nil
}

// displayName builds a download filename from a title and extension.
func displayName(title, ext string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, strings.TrimSpace(title))

	name = strings.Trim(name, ". ")
	if runes := []rune(name); len(runes) > 120 {
		name = strings.TrimSpace(string(runes[:120]))
	}
	if name == "" {
		name = "download"
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return name
	}
	return name + "." + ext
}
