package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kvmigrate/kvmigrate/internal/log"
	"github.com/kvmigrate/kvmigrate/internal/model"
)

const (
	// defaultSATokenPath is the default Kubernetes service account token path
	// used by the Kubernetes auth method.
	defaultSATokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

	// readChunkSize is the number of secret reads done between context
	// cancellation checks while walking a source subtree.
	readChunkSize = 25
)

// ClientConfig is the source store client configuration.
type ClientConfig struct {
	// Address is the source store API address.
	Address string
	// Timeout is the per request timeout.
	Timeout time.Duration
	// TLSCACert is the path to a CA cert file used to verify the store
	// certificate.
	TLSCACert string
	// TLSSkipVerify disables certificate verification.
	TLSSkipVerify bool
	// Backoff used to retry transient list/read failures.
	Backoff wait.Backoff
	Logger  log.Logger
}

func (c *ClientConfig) defaults() error {
	if c.Address == "" {
		return fmt.Errorf("source store address is required")
	}

	if c.Backoff.Steps == 0 {
		c.Backoff = wait.Backoff{
			Duration: 250 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    4,
		}
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "vault.Client"})

	return nil
}

// Client is a source store reader on top of a Vault KV engine (v1 or v2).
type Client struct {
	cli     *api.Client
	backoff wait.Backoff
	logger  log.Logger
}

// NewClient returns a new source store client.
func NewClient(config ClientConfig) (*Client, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	apiConfig := api.DefaultConfig()
	apiConfig.Address = config.Address
	if config.Timeout > 0 {
		apiConfig.Timeout = config.Timeout
	}

	if config.TLSCACert != "" || config.TLSSkipVerify {
		err := apiConfig.ConfigureTLS(&api.TLSConfig{
			CACert:   config.TLSCACert,
			Insecure: config.TLSSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("could not configure TLS: %w", err)
		}
	}

	cli, err := api.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("could not create source store client: %w", err)
	}

	return &Client{
		cli:     cli,
		backoff: config.Backoff,
		logger:  config.Logger,
	}, nil
}

// AuthToken authenticates the client using a static token.
func (c *Client) AuthToken(token string) error {
	if token == "" {
		return fmt.Errorf("token is required")
	}
	c.cli.SetToken(token)
	return nil
}

// AuthAppRole authenticates the client using the AppRole auth method.
func (c *Client) AuthAppRole(ctx context.Context, mount, roleID, secretID string) error {
	if mount == "" {
		mount = "approle"
	}

	secret, err := c.cli.Logical().WriteWithContext(ctx, path.Join("auth", mount, "login"), map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("approle auth failed: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("approle auth returned no token")
	}

	c.cli.SetToken(secret.Auth.ClientToken)
	return nil
}

// AuthKubernetes authenticates the client using the Kubernetes auth method and
// the pod service account token.
func (c *Client) AuthKubernetes(ctx context.Context, mount, role, tokenPath string) error {
	if mount == "" {
		mount = "kubernetes"
	}
	if tokenPath == "" {
		tokenPath = defaultSATokenPath
	}

	jwt, err := os.ReadFile(tokenPath)
	if err != nil {
		return fmt.Errorf("could not read service account token: %w", err)
	}

	secret, err := c.cli.Logical().WriteWithContext(ctx, path.Join("auth", mount, "login"), map[string]interface{}{
		"role": role,
		"jwt":  string(jwt),
	})
	if err != nil {
		return fmt.Errorf("kubernetes auth failed: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("kubernetes auth returned no token")
	}

	c.cli.SetToken(secret.Auth.ClientToken)
	return nil
}

// Health checks the source store is initialized and unsealed.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.cli.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("source store health check failed: %w", err)
	}

	if !health.Initialized {
		return fmt.Errorf("source store is not initialized")
	}
	if health.Sealed {
		return fmt.Errorf("source store is sealed")
	}

	return nil
}

// ListKeys lists a single source path level. Folder entries keep their
// trailing slash so the caller can recurse.
func (c *Client) ListKeys(ctx context.Context, src model.Source, relPath string) ([]string, error) {
	var secret *api.Secret
	err := c.withRetry(ctx, func() (err error) {
		secret, err = c.cli.Logical().ListWithContext(ctx, ListPath(src, relPath))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("could not list %q: %w", relPath, err)
	}

	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	rawKeys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected list response at %q", relPath)
	}

	keys := make([]string, 0, len(rawKeys))
	for _, k := range rawKeys {
		s, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected list key type at %q", relPath)
		}
		keys = append(keys, s)
	}
	sort.Strings(keys)

	return keys, nil
}

// GetEntry reads a single entry. On KV v2 sources the data envelope is
// unwrapped and the secret version captured.
func (c *Client) GetEntry(ctx context.Context, src model.Source, relPath string) (*model.Entry, error) {
	var secret *api.Secret
	err := c.withRetry(ctx, func() (err error) {
		secret, err = c.cli.Logical().ReadWithContext(ctx, ReadPath(src, relPath))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("could not read %q: %w", relPath, err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("entry %q not found", relPath)
	}

	entry := &model.Entry{
		Mount: src.Mount,
		Path:  path.Join(src.Root, relPath),
		Data:  secret.Data,
	}

	if src.KVVersion == 2 {
		data, ok := secret.Data["data"].(map[string]interface{})
		if !ok {
			// Deleted or destroyed versions have no data envelope.
			return nil, fmt.Errorf("entry %q has no data", relPath)
		}
		entry.Data = data

		if metadata, ok := secret.Data["metadata"].(map[string]interface{}); ok {
			if v, ok := metadata["version"].(json.Number); ok {
				version, err := v.Int64()
				if err == nil {
					entry.Version = int(version)
				}
			}
		}
	}

	return entry, nil
}

// WalkEntries lists the source subtree recursively and fetches every entry
// that passes the source filters. Reads are chunked so a canceled context
// stops the walk between chunks.
func (c *Client) WalkEntries(ctx context.Context, src model.Source) ([]model.Entry, error) {
	paths, err := c.walkPaths(ctx, src)
	if err != nil {
		return nil, err
	}

	entries := make([]model.Entry, 0, len(paths))
	for i := 0; i < len(paths); i += readChunkSize {
		end := i + readChunkSize
		if end > len(paths) {
			end = len(paths)
		}

		for _, p := range paths[i:end] {
			entry, err := c.GetEntry(ctx, src, p)
			if err != nil {
				return nil, err
			}
			entries = append(entries, *entry)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

func (c *Client) walkPaths(ctx context.Context, src model.Source) ([]string, error) {
	logger := c.logger.WithValues(log.Kv{"mount": src.Mount, "root": src.Root})

	paths := []string{}
	pending := []string{""}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := pending[0]
		pending = pending[1:]

		keys, err := c.ListKeys(ctx, src, dir)
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			rel := path.Join(dir, strings.TrimSuffix(key, "/"))
			if strings.HasSuffix(key, "/") {
				pending = append(pending, rel)
				continue
			}

			// Exclude has preference over include.
			if src.Exclude != nil && src.Exclude.MatchString(rel) {
				logger.Debugf("Excluding path due to exclude filter %s", rel)
				continue
			}
			if src.Include != nil && !src.Include.MatchString(rel) {
				logger.Debugf("Excluding path due to include filter %s", rel)
				continue
			}

			paths = append(paths, rel)
		}
	}

	logger.Debugf("Discovered %d entries", len(paths))

	return paths, nil
}

// withRetry retries transient source store failures with exponential backoff.
func (c *Client) withRetry(ctx context.Context, f func() error) error {
	backoff := c.backoff
	for {
		err := f()
		if err == nil || !isTransientError(err) {
			return err
		}

		if backoff.Steps <= 1 {
			return err
		}

		c.logger.WithCtxValues(ctx).Warningf("Transient source store error, retrying: %s", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.Step()):
		}
	}
}

func isTransientError(err error) bool {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= 500 || respErr.StatusCode == 429
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Non HTTP errors are connection level ones, worth retrying.
	return true
}

// ListPath returns the API path used to list a source path level, KV v2
// engines list under `<mount>/metadata`.
func ListPath(src model.Source, relPath string) string {
	if src.KVVersion == 2 {
		return path.Join(src.Mount, "metadata", src.Root, relPath)
	}
	return path.Join(src.Mount, src.Root, relPath)
}

// ReadPath returns the API path used to read an entry, KV v2 engines read
// under `<mount>/data`.
func ReadPath(src model.Source, relPath string) string {
	if src.KVVersion == 2 {
		return path.Join(src.Mount, "data", src.Root, relPath)
	}
	return path.Join(src.Mount, src.Root, relPath)
}
