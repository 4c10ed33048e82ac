package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/darkroom/internal/domain"
)

type ImageMetadata struct {
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	CameraModel  string `json:"cameraModel,omitempty"`
	LocationName string `json:"locationName,omitempty"`
	ShootTime    string `json:"shootTime,omitempty"`
}

type Image struct {
	ID            int64          `json:"id"`
	UserID        int64          `json:"userId"`
	FilePath      string         `json:"filePath"`
	ThumbnailPath string         `json:"thumbnailPath,omitempty"`
	UploadTime    string         `json:"uploadTime,omitempty"`
	IsFavorite    int            `json:"isFavorite"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      *ImageMetadata `json:"metadata,omitempty"`
}

func (i Image) Favorite() bool {
	return i.IsFavorite == 1
}

var shootTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// Source describes the image as an editing source.
func (i Image) Source() domain.SourceImage {
	src := domain.SourceImage{
		Type: domain.SourceTypeGallery,
		Path: i.FilePath,
	}
	if m := i.Metadata; m != nil {
		meta := &domain.Metadata{
			CameraModel:  m.CameraModel,
			Width:        m.Width,
			Height:       m.Height,
			LocationName: m.LocationName,
		}
		for _, layout := range shootTimeLayouts {
			if t, err := time.Parse(layout, m.ShootTime); err == nil {
				meta.ShootTime = t.UnixMilli()
				break
			}
		}
		src.Metadata = meta
	}
	return src
}

type Tag struct {
	Name  string `json:"tagName"`
	Count int    `json:"count"`
}

type SearchResult struct {
	ID        int64   `json:"id"`
	URL       string  `json:"url"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Score     float64 `json:"score"`
}

// Query filters ListImages. A keyword also matches tag names.
type Query struct {
	Keyword       string
	OnlyFavorites bool
}

func (c *Client) ListImages(ctx context.Context, sess Session, q Query) ([]Image, error) {
	params := url.Values{}
	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		params.Set("keyword", kw)
	}
	if q.OnlyFavorites {
		params.Set("onlyFavorites", "true")
	}
	p := "/api/image/list"
	if len(params) > 0 {
		p += "?" + params.Encode()
	}

	var images []Image
	if err := c.call(ctx, &sess, http.MethodGet, p, nil, &images); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

func (c *Client) ListTags(ctx context.Context, sess Session) ([]Tag, error) {
	var tags []Tag
	if err := c.call(ctx, &sess, http.MethodGet, "/api/tag/list", nil, &tags); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}

// Search runs a natural-language query and returns scored matches.
func (c *Client) Search(ctx context.Context, sess Session, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	var results []SearchResult
	if err := c.call(ctx, &sess, http.MethodPost, "/api/mcp/search", map[string]string{"query": query}, &results); err != nil {
		return nil, fmt.Errorf("search images: %w", err)
	}
	return results, nil
}

func (c *Client) ToggleFavorite(ctx context.Context, sess Session, imageID int64) error {
	if err := c.call(ctx, &sess, http.MethodPost, "/api/image/"+strconv.FormatInt(imageID, 10)+"/favorite", nil, nil); err != nil {
		return fmt.Errorf("toggle favorite %d: %w", imageID, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, sess Session, imageID int64) error {
	if err := c.call(ctx, &sess, http.MethodDelete, "/api/image/"+strconv.FormatInt(imageID, 10), nil, nil); err != nil {
		return fmt.Errorf("delete image %d: %w", imageID, err)
	}
	return nil
}

func (c *Client) AddTags(ctx context.Context, sess Session, imageIDs []int64, tags []string) error {
	if len(imageIDs) == 0 || len(tags) == 0 {
		return errors.New("image ids and tags are required")
	}
	body := map[string]any{"imageIds": imageIDs, "tags": tags}
	if err := c.call(ctx, &sess, http.MethodPost, "/api/tag/batch-add", body, nil); err != nil {
		return fmt.Errorf("add tags: %w", err)
	}
	return nil
}

// SaveEdited stores an edited image, given as a data URL, as a new gallery image.
func (c *Client) SaveEdited(ctx context.Context, sess Session, dataURL string) (Image, error) {
	if !strings.HasPrefix(dataURL, "data:image/") {
		return Image{}, errors.New("save edited: payload must be an image data url")
	}
	var img Image
	if err := c.call(ctx, &sess, http.MethodPost, "/api/image/save-edited", map[string]string{"base64": dataURL}, &img); err != nil {
		return Image{}, fmt.Errorf("save edited: %w", err)
	}
	return img, nil
}

// FetchImage downloads the bytes behind a stored image path or URL. Image
// files are served without authentication.
func (c *Client) FetchImage(ctx context.Context, imagePath string) ([]byte, error) {
	if strings.TrimSpace(imagePath) == "" {
		return nil, errors.New("image path is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(imagePath), nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", imagePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image %s: status=%d", imagePath, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", imagePath, err)
	}
	if int64(len(data)) > MaxUploadBytes {
		return nil, fmt.Errorf("fetch image %s: larger than %d bytes", imagePath, MaxUploadBytes)
	}
	return data, nil
}
