package imageHelpers

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"

	helpers "github.com/comfydeploy/comfy-gateway/pkg/shared"
)

// buildContext tars the data directory together with the rendered Dockerfile.
// A missing data directory is fine for chains with no COPY layers.
func buildContext(def *Definition, dataDir string) (io.Reader, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	dockerfile := []byte(def.Render())
	if err := tw.WriteHeader(&tar.Header{Name: "Dockerfile", Mode: 0o644, Size: int64(len(dockerfile))}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(dockerfile); err != nil {
		return nil, err
	}

	if dataDir != "" {
		err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(dataDir, path)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if err := tw.WriteHeader(&tar.Header{Name: filepath.ToSlash(rel), Mode: 0o644, Size: int64(len(data))}); err != nil {
				return err
			}
			_, err = tw.Write(data)
			return err
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to tar build context: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

// Build renders the chain and submits it to the Docker daemon, streaming
// build output to the log. The daemon owns layer caching; we just hand it the
// same chain every time.
func Build(ctx context.Context, cli client.ImageAPIClient, def *Definition, dataDir, tag string) error {
	buildCtx, err := buildContext(def, dataDir)
	if err != nil {
		return err
	}

	resp, err := cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("image build request failed: %w", err)
	}
	defer helpers.CloseOrLog(resp.Body)

	return streamBuildOutput(resp.Body)
}

type buildMessage struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

func streamBuildOutput(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg buildMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode build output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("build failed: %s", msg.Error)
		}
		if line := strings.TrimRight(msg.Stream, "\n"); line != "" {
			slog.Info("build", "output", line)
		}
	}
}
