package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/creditgate/creditgate/internal/models"
	openai "github.com/openai/openai-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderRequiresAPIKey(t *testing.T) {
	_, err := NewProvider(models.OpenAIConfig{})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeValidation))
}

func TestNewProviderDefaultsModels(t *testing.T) {
	p, err := NewProvider(models.OpenAIConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", p.chatModel)
	assert.Equal(t, "dall-e-3", p.imageModel)
}

func TestClassifyUpstreamError(t *testing.T) {
	assert.True(t, models.IsErrorType(
		classifyUpstreamError(&openai.Error{StatusCode: 429}),
		models.ErrorTypeUpstreamRateLimited,
	))
	assert.True(t, models.IsErrorType(
		classifyUpstreamError(&openai.Error{StatusCode: 503}),
		models.ErrorTypeUpstreamUnavailable,
	))
	assert.True(t, models.IsErrorType(
		classifyUpstreamError(&openai.Error{StatusCode: 400}),
		models.ErrorTypeValidation,
	))
	assert.True(t, models.IsErrorType(
		classifyUpstreamError(context.DeadlineExceeded),
		models.ErrorTypeTimeout,
	))
	assert.True(t, models.IsErrorType(
		classifyUpstreamError(context.Canceled),
		models.ErrorTypeCancelled,
	))
	assert.True(t, models.IsErrorType(
		classifyUpstreamError(errors.New("connection reset")),
		models.ErrorTypeUpstreamUnavailable,
	))
}
