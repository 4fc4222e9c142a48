// Package secret reads credentials from the environment or from AWS SSM Parameter Store.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

const (
	BackendEnv = "env"
	BackendSSM = "ssm"
)

// SSMClient is the subset of *ssm.Client used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// NewResolver returns the resolver for backend. The SSM client takes its region and
// credentials from the default AWS chain.
func NewResolver(ctx context.Context, backend string) (Resolver, error) {
	switch backend {
	case "", BackendEnv:
		return NewEnvResolver(), nil
	case BackendSSM:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}

		return NewSSMResolver(ssm.NewFromConfig(awsCfg)), nil
	}

	return nil, fmt.Errorf("unknown secrets backend %q", backend)
}

type SSMResolver struct {
	client SSMClient
}

func NewSSMResolver(client SSMClient) *SSMResolver {
	return &SSMResolver{client: client}
}

// GetSecret reads a SecureString parameter with decryption.
func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}

	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}

	return *out.Parameter.Value, nil
}

// EnvResolver maps "/smartcam_backup/arlo-password" to ARLO_PASSWORD.
type EnvResolver struct{}

func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := paramNameToEnvVar(name)

	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from param %q) is not set", envName, name)
	}

	return val, nil
}

// Fill resolves prefix + "/" + key for every target that is still empty.
func Fill(ctx context.Context, r Resolver, prefix string, targets map[string]*string) error {
	for key, dst := range targets {
		if *dst != "" {
			continue
		}

		val, err := r.GetSecret(ctx, strings.TrimRight(prefix, "/")+"/"+key)
		if err != nil {
			return err
		}

		*dst = val
	}

	return nil
}

func paramNameToEnvVar(name string) string {
	parts := strings.Split(name, "/")
	last := parts[len(parts)-1]

	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}
