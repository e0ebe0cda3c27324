package common

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger. format is "json" or
// "console".
func SetupLogging(level, format string, out io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	switch format {
	case "json":
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	case "console", "":
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	default:
		return fmt.Errorf("invalid log format %q, must be one of: json, console", format)
	}
	return nil
}

// GenerateCrawlID generates a unique identifier based on the current timestamp.
// The identifier is formatted as a string in the "YYYYMMDDHHMMSS" format.
func GenerateCrawlID() string {
	return time.Now().Format("20060102150405")
}

// DownloadURLFile downloads a file from a URL and saves it to a temporary location.
// Returns the path to the downloaded file and any error encountered.
func DownloadURLFile(url string) (string, error) {
	log.Info().Str("url", url).Msg("Downloading seed file")

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "vocalist-crawler/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bad status code: %d", resp.StatusCode)
	}

	out, err := os.CreateTemp("", fmt.Sprintf("seed_handles_%s_*.txt", GenerateCrawlID()))
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	if _, err = io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write to file: %w", err)
	}

	log.Info().Str("file", out.Name()).Msg("Seed file downloaded successfully")
	return out.Name(), nil
}

// ReadHandlesFromFile reads creator handles from a file, one per line. Empty
// lines and lines starting with '#' are skipped. Profile URLs and a leading
// '@' are reduced to the bare handle.
func ReadHandlesFromFile(filename string) ([]string, error) {
	log.Debug().Str("filename", filename).Msg("Reading handles from file")

	data, err := os.ReadFile(filepath.Clean(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var handles []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if h := NormalizeHandle(line); h != "" {
			handles = append(handles, h)
		}
	}

	log.Debug().Int("handle_count", len(handles)).Msg("Handles read from file")
	return handles, nil
}

// ReadSeedHandles loads handles from a local path or an http(s) URL.
func ReadSeedHandles(source string) ([]string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		path, err := DownloadURLFile(source)
		if err != nil {
			return nil, err
		}
		defer os.Remove(path)
		return ReadHandlesFromFile(path)
	}
	return ReadHandlesFromFile(source)
}

// NormalizeHandle reduces "https://www.youtube.com/@name/videos", "@name" and
// "name" to "name".
func NormalizeHandle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "youtube.com/@"); i >= 0 {
		s = s[i+len("youtube.com/"):]
		if j := strings.IndexAny(s, "/?#"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimPrefix(s, "@")
}
