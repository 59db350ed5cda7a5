package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const (
	defaultTag = "latest"

	// Media type for model snapshot layers pushed with the flock CLI.
	modelMediaType = "application/vnd.flock.model.v1+json"
)

type HTTPProxyConfig struct {
	ChunkSize    int    `env:"PROXY_CHUNK_SIZE"         envDefault:"512000"`
	Authenticate bool   `env:"PROXY_AUTHENTICATE"       envDefault:"false"`
	Username     string `env:"PROXY_REGISTRY_USERNAME"  envDefault:""`
	Password     string `env:"PROXY_REGISTRY_PASSWORD"  envDefault:""`
	RegistryURL  string `env:"PROXY_REGISTRY_URL"       envDefault:""`
}

func (c *HTTPProxyConfig) FetchFromReg(ctx context.Context, modelRef string) ([]byte, error) {
	repoName, tag := splitRef(modelRef)

	repo, err := remote.NewRepository(fmt.Sprintf("%s/%s", c.RegistryURL, repoName))
	if err != nil {
		return nil, fmt.Errorf("failed to create repository for %s: %w", modelRef, err)
	}
	c.setupAuthentication(repo)

	descriptor, err := repo.Resolve(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model %s: %w", modelRef, err)
	}

	reader, err := repo.Fetch(ctx, descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest for %s: %w", modelRef, err)
	}
	defer reader.Close()

	manifestData, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for %s: %w", modelRef, err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest for %s: %w", modelRef, err)
	}

	layer, err := selectModelLayer(manifest.Layers)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, modelRef)
	}

	layerReader, err := repo.Fetch(ctx, layer)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model layer for %s: %w", modelRef, err)
	}
	defer layerReader.Close()

	data, err := io.ReadAll(layerReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read model layer for %s: %w", modelRef, err)
	}

	return data, nil
}

func (c *HTTPProxyConfig) setupAuthentication(repo *remote.Repository) {
	if !c.Authenticate {
		return
	}

	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: c.Username,
			Password: c.Password,
		}),
	}
}

// selectModelLayer picks the model layer from an artifact manifest,
// preferring the flock media type and falling back to the largest layer.
func selectModelLayer(layers []ocispec.Descriptor) (ocispec.Descriptor, error) {
	if len(layers) == 0 {
		return ocispec.Descriptor{}, fmt.Errorf("manifest has no layers")
	}

	for _, layer := range layers {
		if layer.MediaType == modelMediaType {
			return layer, nil
		}
	}

	largest := layers[0]
	for _, layer := range layers[1:] {
		if layer.Size > largest.Size {
			largest = layer
		}
	}

	return largest, nil
}

func splitRef(modelRef string) (string, string) {
	if name, tag, ok := strings.Cut(modelRef, ":"); ok && tag != "" {
		return name, tag
	}

	return modelRef, defaultTag
}
