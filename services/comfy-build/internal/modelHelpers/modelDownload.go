package modelHelpers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"

	helpers "github.com/comfydeploy/comfy-gateway/pkg/shared"
)

// Model is one entry of the model manifest (models.json): a downloadable
// artifact and where it lives under the models root.
type Model struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Dest string `json:"dest"`
}

func LoadManifest(path string) ([]Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model manifest: %w", err)
	}
	var models []Model
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("failed to parse model manifest: %w", err)
	}
	return models, nil
}

// FetchModels downloads every manifest entry under destRoot, skipping files
// that already exist. civitaiToken authorizes civitai.com downloads.
func FetchModels(ctx context.Context, models []Model, destRoot, civitaiToken string) error {
	for _, m := range models {
		if err := fetchModel(ctx, m, destRoot, civitaiToken); err != nil {
			return fmt.Errorf("failed to fetch %s: %w", m.Name, err)
		}
	}
	return nil
}

func fetchModel(ctx context.Context, m Model, destRoot, civitaiToken string) error {
	dest := filepath.Join(destRoot, m.Dest, m.Name)

	if _, err := os.Stat(dest); err == nil {
		slog.Info("Model already present, skipping", "name", m.Name)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return err
	}
	if civitaiToken != "" && strings.Contains(req.URL.Host, "civitai.com") {
		req.Header.Set("Authorization", "Bearer "+civitaiToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer helpers.CloseOrLog(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	// Download to a partial file first so an interrupted fetch is retried
	// instead of being mistaken for a finished model.
	partial := dest + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(resp.ContentLength, m.Name)
	_, err = io.Copy(io.MultiWriter(f, bar), resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partial)
		return err
	}

	return os.Rename(partial, dest)
}
