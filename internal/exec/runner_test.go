package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunUnsupportedLanguage(t *testing.T) {
	r := NewLocalRunner(time.Second)

	res := r.Run(context.Background(), "cobol", "DISPLAY 'HI'.")
	assert.False(t, res.Success)
	assert.Equal(t, "Unsupported language: cobol", res.Error)
	assert.Empty(t, res.Output)
}
