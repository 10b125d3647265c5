package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mymmrac/telego"
)

const fileScheme = "telegram://file/"

// Fetch downloads a telegram://file/{id} attachment via the Bot API
// file endpoint.
func (c *Channel) Fetch(ctx context.Context, url string) (io.ReadCloser, string, error) {
	fileID := strings.TrimPrefix(url, fileScheme)
	if fileID == url || fileID == "" {
		return nil, "", fmt.Errorf("not a telegram file url: %s", url)
	}
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("telegram get file %s: %w", fileID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bot.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram download %s: %w", fileID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("telegram download %s: status %d", fileID, resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}
