// Package secrets reads named credentials at startup.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/pkg/errors"

	"github.com/austindbirch/parcelhook/internal/config"
	"github.com/austindbirch/parcelhook/internal/faults"
)

// Source returns the latest value of a named secret as text
type Source interface {
	Latest(ctx context.Context, name string) (string, error)
	Close() error
}

// accessAPI is the part of the Secret Manager client used here
type accessAPI interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

type gcpAccess struct {
	c *secretmanager.Client
}

func (g gcpAccess) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return g.c.AccessSecretVersion(ctx, req)
}

func (g gcpAccess) Close() error { return g.c.Close() }

// SecretManager reads projects/{project}/secrets/{name}/versions/latest
type SecretManager struct {
	api     accessAPI
	project string
}

func NewSecretManager(ctx context.Context, project string) (*SecretManager, error) {
	c, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create secret manager client")
	}
	return &SecretManager{api: gcpAccess{c: c}, project: project}, nil
}

// VersionName is the resource name of the latest version of a secret
func VersionName(project, name string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, name)
}

func (s *SecretManager) Latest(ctx context.Context, name string) (string, error) {
	resp, err := s.api.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: VersionName(s.project, name),
	})
	if err != nil {
		return "", faults.New(faults.Config, "secrets.latest", errors.Wrapf(err, "access secret %s", name))
	}
	return string(resp.GetPayload().GetData()), nil
}

func (s *SecretManager) Close() error {
	return s.api.Close()
}

// Env resolves secret names from environment variables. A secret named
// "db-pass" is read from SECRET_DB_PASS. Used for local development.
type Env struct{}

func EnvKey(name string) string {
	return "SECRET_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func (Env) Latest(_ context.Context, name string) (string, error) {
	key := EnvKey(name)
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", faults.Newf(faults.Config, "secrets.latest", "secret %s not set (%s)", name, key)
	}
	return v, nil
}

func (Env) Close() error { return nil }

// New picks the source configured by SECRETS_BACKEND
func New(ctx context.Context, cfg config.Secrets) (Source, error) {
	switch cfg.Backend {
	case config.SecretsEnv:
		return Env{}, nil
	case config.SecretsSecretManager, "":
		return NewSecretManager(ctx, cfg.ProjectID)
	default:
		return nil, faults.Newf(faults.Config, "secrets.new", "unknown secrets backend %q", cfg.Backend)
	}
}

// Resolve returns value when set, otherwise the latest version of secretName
func Resolve(ctx context.Context, src Source, value, secretName string) (string, error) {
	if value != "" || secretName == "" {
		return value, nil
	}
	return src.Latest(ctx, secretName)
}
