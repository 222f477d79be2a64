// Package secrets resolves secret references in configuration values.
//
// A value is used as-is unless it is a reference:
//
//	$NAME       environment variable NAME
//	ssm:/path   AWS SSM Parameter Store parameter, decrypted
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const ssmPrefix = "ssm:"

// ssmAPI is the minimal AWS SSM interface required by Resolver.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Resolver resolves references, caching parameter store lookups.
type Resolver struct {
	api    ssmAPI
	getenv func(string) string

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a Resolver. api may be nil when no ssm: references
// are used.
func NewResolver(api ssmAPI) *Resolver {
	return &Resolver{api: api, getenv: os.Getenv, cache: map[string]string{}}
}

// NewSSMResolver creates a Resolver backed by an SSM client built from cfg.
func NewSSMResolver(cfg aws.Config) *Resolver {
	return NewResolver(ssm.NewFromConfig(cfg))
}

// IsSSM reports whether value is a parameter store reference.
func IsSSM(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), ssmPrefix)
}

// Resolve returns the secret value referred to by value.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(value, "$"):
		return r.getenv(value[1:]), nil
	case strings.HasPrefix(value, ssmPrefix):
		return r.parameter(ctx, strings.TrimPrefix(value, ssmPrefix))
	default:
		return value, nil
	}
}

func (r *Resolver) parameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secrets: parameter name is required")
	}
	if r.api == nil {
		return "", fmt.Errorf("secrets: %s%s needs AWS configuration", ssmPrefix, name)
	}

	r.mu.Lock()
	v, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return v, nil
	}

	out, err := r.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q has no value", name)
	}

	r.mu.Lock()
	r.cache[name] = *out.Parameter.Value
	r.mu.Unlock()
	return *out.Parameter.Value, nil
}
