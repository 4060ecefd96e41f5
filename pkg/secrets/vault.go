package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/zatekoja/enrichswarm/pkg/errors"
	"github.com/zatekoja/enrichswarm/pkg/retry"
)

// EngineKeys are the credentials the engine reads from the environment. Only
// these are taken from Vault unless VaultConfig.Keys says otherwise.
var EngineKeys = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"DB_PASSWORD",
	"REDIS_PASSWORD",
	"TYPESENSE_API_KEY",
}

// VaultConfig locates a KV secret holding environment overrides
type VaultConfig struct {
	Enabled   bool
	Addr      string
	Token     string
	Namespace string
	Mount     string
	Path      string
	KVVersion int
	Timeout   time.Duration
	// Overwrite lets Vault replace variables that are already set
	Overwrite bool
	Keys      []string
}

// Result reports which variables were applied
type Result struct {
	Loaded  []string
	Skipped []string
}

// VaultConfigFromEnv reads VAULT_* variables
func VaultConfigFromEnv() VaultConfig {
	cfg := VaultConfig{
		Enabled:   strings.EqualFold(os.Getenv("VAULT_ENABLED"), "true"),
		Addr:      os.Getenv("VAULT_ADDR"),
		Token:     os.Getenv("VAULT_TOKEN"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
		Mount:     "secret",
		Path:      os.Getenv("VAULT_PATH"),
		KVVersion: 2,
		Timeout:   5 * time.Second,
		Overwrite: strings.EqualFold(os.Getenv("VAULT_OVERWRITE"), "true"),
		Keys:      EngineKeys,
	}
	if v := os.Getenv("VAULT_MOUNT"); v != "" {
		cfg.Mount = v
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_KV_VERSION")); err == nil {
		cfg.KVVersion = v
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_TIMEOUT_MS")); err == nil && v > 0 {
		cfg.Timeout = time.Duration(v) * time.Millisecond
	}
	return cfg
}

// Loader copies Vault secrets into the process environment
type Loader struct {
	cfg    VaultConfig
	client *http.Client
	retry  retry.Config
}

// NewLoader creates a loader. A nil client uses one bounded by cfg.Timeout.
func NewLoader(cfg VaultConfig, client *http.Client) *Loader {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Loader{
		cfg:    cfg,
		client: client,
		retry: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      time.Second,
			BackoffFactor: 2,
		},
	}
}

// Apply fetches the secret and sets the allowed keys. A disabled loader is a
// no-op.
func (l *Loader) Apply(ctx context.Context) (Result, error) {
	var res Result
	if !l.cfg.Enabled {
		return res, nil
	}
	if l.cfg.Addr == "" || l.cfg.Token == "" || l.cfg.Path == "" {
		return res, apperrors.NewValidationError("vault configuration incomplete (VAULT_ADDR, VAULT_TOKEN, VAULT_PATH)")
	}

	var data map[string]interface{}
	err := retry.DoWithLog(ctx, l.retry, "vault", func() error {
		var err error
		data, err = l.fetch(ctx)
		return err
	}, nil)
	if err != nil {
		return res, apperrors.NewExternalError("failed to read secrets from vault", err)
	}

	allowed := make(map[string]struct{}, len(l.cfg.Keys))
	for _, k := range l.cfg.Keys {
		allowed[k] = struct{}{}
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, ok := allowed[key]; len(allowed) > 0 && !ok {
			continue
		}
		if !l.cfg.Overwrite && os.Getenv(key) != "" {
			res.Skipped = append(res.Skipped, key)
			continue
		}
		if err := os.Setenv(key, stringify(data[key])); err != nil {
			return res, apperrors.NewInternalError("failed to set "+key, err)
		}
		res.Loaded = append(res.Loaded, key)
	}
	return res, nil
}

func (l *Loader) url() string {
	addr := strings.TrimRight(l.cfg.Addr, "/")
	mount := strings.Trim(l.cfg.Mount, "/")
	path := strings.TrimLeft(l.cfg.Path, "/")
	if l.cfg.KVVersion == 1 {
		return fmt.Sprintf("%s/v1/%s/%s", addr, mount, path)
	}
	return fmt.Sprintf("%s/v1/%s/data/%s", addr, mount, path)
}

func (l *Loader) fetch(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", l.cfg.Token)
	if l.cfg.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", l.cfg.Namespace)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vault returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}

	raw := payload.Data
	if l.cfg.KVVersion != 1 {
		// KV v2 nests the secret under data.data
		inner, ok := payload.Data["data"]
		if !ok {
			return nil, fmt.Errorf("vault response missing data for KV v2")
		}
		if err := json.Unmarshal(inner, &raw); err != nil {
			return nil, fmt.Errorf("decode vault secret: %w", err)
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("vault response missing data")
	}

	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var value interface{}
		if err := json.Unmarshal(v, &value); err != nil {
			return nil, fmt.Errorf("decode vault value %s: %w", k, err)
		}
		out[k] = value
	}
	return out, nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
