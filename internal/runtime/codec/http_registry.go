package codec

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/riferrei/srclient"

	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
)

// registryConcurrency bounds in-flight registry requests per client.
const registryConcurrency = 16

// HTTPRegistry adapts a Confluent-compatible schema registry client to
// Registry. Subjects are the full schema name. Wrap it in a CachingRegistry;
// the client's own cache is turned off.
type HTTPRegistry struct {
	client     srclient.ISchemaRegistryClient
	httpClient *http.Client
}

// HTTPRegistryOption customises an HTTPRegistry.
type HTTPRegistryOption func(*HTTPRegistry)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(client *http.Client) HTTPRegistryOption {
	return func(r *HTTPRegistry) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// NewHTTPRegistry connects to the registry at rawURL. Credentials in the URL
// are sent as basic auth.
func NewHTTPRegistry(rawURL string, opts ...HTTPRegistryOption) (*HTTPRegistry, error) {
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("outboxflow: schema registry url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("outboxflow: schema registry url %q must be absolute", rawURL)
	}
	var username, password string
	if user := base.User; user != nil {
		username = user.Username()
		password, _ = user.Password()
		base.User = nil
	}
	reg := &HTTPRegistry{httpClient: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(reg)
	}

	client := srclient.CreateSchemaRegistryClientWithOptions(base.String(), reg.httpClient, registryConcurrency)
	client.CachingEnabled(false)
	client.CodecCreationEnabled(false)
	if username != "" {
		client.SetCredentials(username, password)
	}
	reg.client = client
	return reg, nil
}

// Resolve returns the latest version registered under ref's subject. The
// client does not take a context, so ctx is only checked up front.
func (r *HTTPRegistry) Resolve(ctx context.Context, ref SchemaRef) (Schema, error) {
	if err := ctx.Err(); err != nil {
		return Schema{}, err
	}
	schema, err := r.client.GetLatestSchema(ref.FullName())
	if err != nil {
		return Schema{}, fmt.Errorf("resolving %s: %w", ref.FullName(), registryError(err))
	}
	return Schema{ID: schema.ID(), Ref: ref, Definition: schema.Schema()}, nil
}

func (r *HTTPRegistry) SchemaByID(ctx context.Context, id int) (Schema, error) {
	if err := ctx.Err(); err != nil {
		return Schema{}, err
	}
	schema, err := r.client.GetSchema(id)
	if err != nil {
		return Schema{}, fmt.Errorf("fetching schema id %d: %w", id, registryError(err))
	}
	return Schema{ID: id, Definition: schema.Schema()}, nil
}

// registryError maps the registry's not-found codes (404, 40401 to 40403) to
// ErrUnknownSchema.
func registryError(err error) error {
	var regErr srclient.Error
	if errors.As(err, &regErr) && (regErr.Code == http.StatusNotFound || regErr.Code/100 == http.StatusNotFound) {
		return fmt.Errorf("%w: %s", errspkg.ErrUnknownSchema, regErr.Message)
	}
	return err
}
