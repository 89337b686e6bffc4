package admission

import (
	"testing"
	"time"

	"github.com/amoylab/clinicpush/internal/common/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNewController(t *testing.T) {
	c, err := NewController(zap.NewNop(), config.AdmissionConfig{Type: "memory", MaxAttempts: 1, Window: time.Second})
	assert.NoError(t, err)
	assert.IsType(t, &MemoryController{}, c)
	assert.NoError(t, c.Close())

	_, err = NewController(zap.NewNop(), config.AdmissionConfig{Type: "bogus"})
	assert.Error(t, err)
}
