package transcode

import (
	"path/filepath"
	"strconv"
	"strings"
)

// recordedArgs builds the transcoder invocation for a recorded episode: a
// full h264/aac HLS rendition with an append-only playlist, so a player can
// start reading while segments are still being written. The 4-digit segment
// pattern budgets 10,000 segments, about 11 hours at 4-second segments.
func recordedArgs(sourceURL string, segmentSeconds int, dir string) []string {
	return []string{
		"-i", sourceURL,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-maxrate", "5000k",
		"-bufsize", "10000k",
		"-g", "48",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ac", "2",
		"-ar", "48000",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_list_size", "0",
		"-hls_flags", "append_list",
		"-hls_segment_filename", filepath.Join(dir, "segment%04d.ts"),
		filepath.Join(dir, playlistName),
	}
}

// contentTypeFor maps served cache files to their HLS media types.
func contentTypeFor(name string) string {
	if strings.HasSuffix(name, ".m3u8") {
		return "application/vnd.apple.mpegurl"
	}
	return "video/mp2t"
}
