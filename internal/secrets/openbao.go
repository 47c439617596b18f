package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrSecretNotFound = errors.New("openbao secret path not found")

// OpenBao reads a KV v2 secret holding the checkout credentials
// (XENDIT_SECRET_KEY, XENDIT_CALLBACK_TOKEN, DONATION_DB_PASSWORD, ...).
type OpenBao struct {
	Addr      string
	Token     string
	Mount     string
	Path      string
	Namespace string
	HTTP      *http.Client
}

// OpenBaoFromEnv returns the configured source, or false when OPENBAO_ADDR,
// OPENBAO_TOKEN or OPENBAO_SECRET_PATH is missing.
func OpenBaoFromEnv() (OpenBao, bool) {
	src := OpenBao{
		Addr:      strings.TrimRight(strings.TrimSpace(os.Getenv("OPENBAO_ADDR")), "/"),
		Token:     os.Getenv("OPENBAO_TOKEN"),
		Mount:     strings.Trim(strings.TrimSpace(os.Getenv("OPENBAO_MOUNT")), "/"),
		Path:      strings.Trim(strings.TrimSpace(os.Getenv("OPENBAO_SECRET_PATH")), "/"),
		Namespace: strings.TrimSpace(os.Getenv("OPENBAO_NAMESPACE")),
	}
	if src.Addr == "" || src.Token == "" || src.Path == "" {
		return OpenBao{}, false
	}
	if src.Mount == "" {
		src.Mount = "secret"
	}
	return src, true
}

// Bootstrap exports the secret's keys as environment variables before config
// is loaded. Variables already set in the environment win. Without OpenBao
// configuration it does nothing.
func Bootstrap(ctx context.Context) error {
	src, ok := OpenBaoFromEnv()
	if !ok {
		return nil
	}
	values, err := src.Read(ctx)
	if err != nil {
		return err
	}
	exported := 0
	for k, v := range values {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("export %s: %w", k, err)
		}
		exported++
	}
	log.Printf("[Secrets] exported %d of %d keys from %s/%s", exported, len(values), src.Mount, src.Path)
	return nil
}

// Read fetches the secret and flattens its values to strings. Values that are
// neither strings, numbers nor booleans are skipped.
func (o OpenBao) Read(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/%s/data/%s", o.Addr, o.Mount, o.Path), nil)
	if err != nil {
		return nil, fmt.Errorf("create OpenBao request: %w", err)
	}
	req.Header.Set("X-Vault-Token", o.Token)
	if o.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", o.Namespace)
	}

	client := o.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call OpenBao: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrSecretNotFound
	default:
		return nil, fmt.Errorf("openbao request failed: status=%d", resp.StatusCode)
	}

	var payload struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode OpenBao response: %w", err)
	}

	out := make(map[string]string, len(payload.Data.Data))
	for k, v := range payload.Data.Data {
		switch val := v.(type) {
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			out[k] = strconv.FormatBool(val)
		}
	}
	return out, nil
}
