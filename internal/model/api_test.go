package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/daiku/internal/model"
)

func TestValidateRequirements(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr string
	}{
		{"valid", "build a REST API for todo items", ""},
		{"empty", "", "at least"},
		{"whitespace only", "   \n\t  ", "at least"},
		{"too short", "hi", "at least"},
		{"exactly at minimum", strings.Repeat("a", model.MinRequirementsLen), ""},
		{"too long", strings.Repeat("a", model.MaxRequirementsLen+1), "maximum length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateRequirements(tt.text)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
