package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	values map[string]string
	err    error
	calls  int
	last   *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func TestResolvePlainAndEnv(t *testing.T) {
	r := NewResolver(nil)
	r.getenv = func(k string) string {
		if k == "API_KEY" {
			return "from-env"
		}
		return ""
	}
	ctx := context.Background()

	v, err := r.Resolve(ctx, "literal")
	require.NoError(t, err)
	assert.Equal(t, "literal", v)

	v, err = r.Resolve(ctx, "$API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	_, err = r.Resolve(ctx, "ssm:/autoreply/key")
	assert.ErrorContains(t, err, "needs AWS configuration")
}

func TestResolveSSMCaches(t *testing.T) {
	api := &fakeSSM{values: map[string]string{"/autoreply/llm_key": "s3cret"}}
	r := NewResolver(api)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		v, err := r.Resolve(ctx, " ssm:/autoreply/llm_key ")
		require.NoError(t, err)
		assert.Equal(t, "s3cret", v)
	}
	assert.Equal(t, 1, api.calls)
	assert.True(t, aws.ToBool(api.last.WithDecryption))
	assert.True(t, IsSSM("ssm:/x"))
	assert.False(t, IsSSM("$X"))
}

func TestResolveSSMErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewResolver(&fakeSSM{}).Resolve(ctx, "ssm:/missing")
	assert.ErrorContains(t, err, "has no value")

	_, err = NewResolver(&fakeSSM{err: errors.New("AccessDenied")}).Resolve(ctx, "ssm:/p")
	assert.ErrorContains(t, err, "AccessDenied")

	_, err = NewResolver(&fakeSSM{}).Resolve(ctx, "ssm:  ")
	assert.ErrorContains(t, err, "required")
}
