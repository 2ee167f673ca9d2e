package transcoder

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/amillerrr/vod-packager/pkg/models"
)

// MasterPlaylistName is the package entry point.
const MasterPlaylistName = models.MasterPlaylistName

// BuildMasterPlaylist renders the master playlist for renditions in the
// order given. Callers pass only segmented renditions.
func BuildMasterPlaylist(renditions []*models.Rendition) string {
	var builder strings.Builder
	builder.WriteString("#EXTM3U\n")
	builder.WriteString("#EXT-X-VERSION:3\n")

	for _, r := range renditions {
		builder.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d", r.Bandwidth))
		if r.Width > 0 && r.Height > 0 {
			builder.WriteString(fmt.Sprintf(",RESOLUTION=%dx%d", r.Width, r.Height))
		}
		builder.WriteString("\n")
		builder.WriteString(r.PlaylistName())
		builder.WriteString("\n")
	}

	return builder.String()
}

// WriteMasterPlaylist builds the master playlist into the job directory and
// returns its path.
func WriteMasterPlaylist(paths Paths, renditions []*models.Rendition) (string, error) {
	path := paths(MasterPlaylistName)
	if err := os.WriteFile(path, []byte(BuildMasterPlaylist(renditions)), 0644); err != nil {
		return "", fmt.Errorf("%w: write master playlist: %v", models.ErrResource, err)
	}
	return path, nil
}

// ParseMediaPlaylist returns the URI lines of a media playlist in order.
func ParseMediaPlaylist(data []byte) []string {
	var uris []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uris = append(uris, line)
	}
	return uris
}
