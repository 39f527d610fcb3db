package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"tunerhub/models"
)

const (
	artworkTimeout = 10 * time.Second

	// artworkSniffSize is how much of the image feeds content detection.
	// Every format mimetype knows declares itself well inside this.
	artworkSniffSize = 3072

	maxArtworkSize = 20 << 20
)

// ArtworkHandler proxies poster and channel art so clients never talk to
// appliances or the vendor CDN directly. Upstream rarely sends a usable
// Content-Type, so the image bytes are sniffed instead.
type ArtworkHandler struct {
	client *http.Client
}

func NewArtworkHandler() *ArtworkHandler {
	return &ArtworkHandler{client: &http.Client{Timeout: artworkTimeout}}
}

// Fetch streams the image behind ?url= with a detected content type.
func (h *ArtworkHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, fmt.Errorf("%w: url query parameter is required", models.ErrInvalidArgument))
		return
	}

	target, err := normalizeArtworkURL(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err))
		return
	}

	resp, err := h.client.Do(req)
	if err != nil {
		writeError(w, fmt.Errorf("artwork fetch: %w: %v", models.ErrUpstreamUnreachable, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		writeError(w, fmt.Errorf("artwork upstream returned %d: %w", resp.StatusCode, models.ErrUpstreamUnavailable))
		return
	}

	body := io.LimitReader(resp.Body, maxArtworkSize)
	head := make([]byte, artworkSniffSize)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		writeError(w, fmt.Errorf("artwork read: %w: %v", models.ErrUpstreamUnavailable, err))
		return
	}

	w.Header().Set("Content-Type", mimetype.Detect(head[:n]).String())
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(head[:n])
	io.Copy(w, body)
}

// normalizeArtworkURL validates the scheme and percent-encodes raw spaces;
// guide feeds occasionally carry image URLs with unencoded spaces in them.
func normalizeArtworkURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: only http and https artwork is proxied", models.ErrInvalidArgument)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: artwork url has no host", models.ErrInvalidArgument)
	}

	encoded := parsed.Scheme + "://" + parsed.Host + parsed.EscapedPath()
	if parsed.RawQuery != "" {
		encoded += "?" + strings.ReplaceAll(parsed.RawQuery, " ", "%20")
	}
	return encoded, nil
}
