package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBedrockProvider_RequiresModelID(t *testing.T) {
	_, err := NewBedrockProvider(context.Background(), BedrockConfig{Region: "us-east-1"})
	assert.Error(t, err)
}
