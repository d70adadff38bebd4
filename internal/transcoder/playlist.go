package transcoder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// MasterPlaylistName is the file name of the top-level HLS playlist.
const MasterPlaylistName = "master.m3u8"

// BuildMasterPlaylist renders the HLS master playlist. Variants are written
// in the order given; callers sort them highest bandwidth first.
func BuildMasterPlaylist(variants []models.ManifestVariant) string {
	var content strings.Builder

	content.WriteString("#EXTM3U\n")
	content.WriteString("#EXT-X-VERSION:3\n\n")

	for _, v := range variants {
		content.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s,NAME=\"%s\"\n",
			v.Bandwidth,
			v.Resolution(),
			v.Quality,
		))
		content.WriteString(v.URI + "\n\n")
	}

	return content.String()
}

// MasterEntry is one variant as read back from a master playlist.
type MasterEntry struct {
	Bandwidth  int64
	Resolution string
	Name       string
	URI        string
}

// ParseMasterPlaylist reads the variant entries of a master playlist.
func ParseMasterPlaylist(r io.Reader) ([]MasterEntry, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "#EXTM3U" {
		return nil, fmt.Errorf("missing #EXTM3U header")
	}

	var entries []MasterEntry
	var pending *MasterEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			entry := parseStreamInf(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			pending = &entry
		case strings.HasPrefix(line, "#"):
			continue
		case pending != nil:
			pending.URI = line
			entries = append(entries, *pending)
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseStreamInf(attrs string) MasterEntry {
	var entry MasterEntry
	for _, attr := range splitAttributes(attrs) {
		key, value, ok := strings.Cut(attr, "=")
		if !ok {
			continue
		}
		switch key {
		case "BANDWIDTH":
			fmt.Sscanf(value, "%d", &entry.Bandwidth)
		case "RESOLUTION":
			entry.Resolution = value
		case "NAME":
			entry.Name = strings.Trim(value, `"`)
		}
	}
	return entry
}

// splitAttributes splits on commas that are not inside quotes.
func splitAttributes(s string) []string {
	var out []string
	var quoted bool
	start := 0
	for i, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

// ParseMediaPlaylist returns the segment URIs of a variant playlist in order.
func ParseMediaPlaylist(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "#EXTM3U" {
		return nil, fmt.Errorf("missing #EXTM3U header")
	}

	var segments []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		segments = append(segments, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return segments, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + partialSuffix
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
