package core_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmem/stackmem-go/pkg/core"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  *core.Config
		wantErr bool
	}{
		{
			name: "valid sqlite config",
			config: &core.Config{
				Store: core.StoreConfig{Provider: "sqlite"},
			},
			wantErr: false,
		},
		{
			name:    "missing store provider",
			config:  &core.Config{},
			wantErr: true,
		},
		{
			name: "narrative enabled without provider",
			config: &core.Config{
				Store:     core.StoreConfig{Provider: "sqlite"},
				Narrative: &core.NarrativeConfig{Enabled: true},
			},
			wantErr: true,
		},
		{
			name: "narrative disabled without provider is fine",
			config: &core.Config{
				Store:     core.StoreConfig{Provider: "sqlite"},
				Narrative: &core.NarrativeConfig{Enabled: false},
			},
			wantErr: false,
		},
		{
			name: "section child cap over structural maximum",
			config: &core.Config{
				Store:     core.StoreConfig{Provider: "sqlite"},
				Hierarchy: core.HierarchyConfig{SectionChildCap: 251},
			},
			wantErr: true,
		},
		{
			name: "paragraph child cap over structural maximum",
			config: &core.Config{
				Store:     core.StoreConfig{Provider: "sqlite"},
				Hierarchy: core.HierarchyConfig{ParagraphChildCap: 21},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, core.ErrInvalidConfig))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaultHierarchyConfig(t *testing.T) {
	cfg := core.DefaultHierarchyConfig()

	assert.Equal(t, 250, cfg.SectionChildCap)
	assert.Equal(t, 20, cfg.ParagraphChildCap)
	assert.Greater(t, cfg.ChapterTokenCap, 0)
	assert.Greater(t, cfg.SimilarityThreshold, 0.0)
	assert.Greater(t, cfg.CompressThreshold, 0)

	config := &core.Config{
		Store:     core.StoreConfig{Provider: "sqlite"},
		Hierarchy: cfg,
	}
	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	data := `{
		"store": {
			"provider": "sqlite",
			"config": {"db_path": "/tmp/test.db"}
		},
		"narrative": {
			"enabled": true,
			"provider": "openai",
			"api_key": "test-key",
			"model": "gpt-4o-mini"
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	config, err := core.LoadConfigFromJSON(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", config.Store.Provider)
	assert.Equal(t, "/tmp/test.db", config.Store.Config["db_path"])
	require.NotNil(t, config.Narrative)
	assert.True(t, config.Narrative.Enabled)
	assert.Equal(t, "openai", config.Narrative.Provider)
	assert.NoError(t, config.Validate())
}

func TestLoadConfigFromJSONMissingFile(t *testing.T) {
	_, err := core.LoadConfigFromJSON(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidFrameType(t *testing.T) {
	assert.True(t, core.ValidFrameType(core.FrameSession))
	assert.True(t, core.ValidFrameType(core.FrameRecovery))
	assert.False(t, core.ValidFrameType("workflow"))
}

func TestValidAnchorType(t *testing.T) {
	assert.True(t, core.ValidAnchorType(core.AnchorFact))
	assert.True(t, core.ValidAnchorType(core.AnchorRisk))
	assert.False(t, core.ValidAnchorType("NOTE"))
}
