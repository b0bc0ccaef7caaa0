package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurex/featurex/internal/preprocess"
)

func writeMetadata(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMetadataShippedFile(t *testing.T) {
	md, err := LoadMetadata(filepath.Join("..", "..", "models", "mobilenet_v2_metadata.json"))
	require.NoError(t, err)

	assert.Equal(t, "mobilenet_v2", md.Name)
	assert.Equal(t, 1280, md.Dimensions())
	assert.Equal(t, 224*224*3, md.InputSize())
	assert.Equal(t, preprocess.Options{
		Size:          224,
		Filter:        preprocess.FilterLanczos,
		Layout:        preprocess.LayoutNHWC,
		Normalization: preprocess.NormTF,
	}, md.PreprocessOptions(""))
}

func TestLoadMetadataDefaults(t *testing.T) {
	md, err := LoadMetadata(writeMetadata(t, `{"input_shape":[1,3,160,160],"output_shape":[1,512],"layout":"NCHW"}`))
	require.NoError(t, err)

	assert.Equal(t, 160, md.ImageSize)
	assert.Equal(t, "input", md.InputName)
	assert.Equal(t, "output", md.OutputName)
	assert.Equal(t, "tf", md.Normalization)
	assert.Equal(t, 512, md.Dimensions())
	assert.Equal(t, preprocess.FilterBilinear, md.PreprocessOptions("bilinear").Filter)
}

func TestLoadMetadataErrors(t *testing.T) {
	_, err := LoadMetadata(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadMetadata(writeMetadata(t, `{not json`))
	assert.Error(t, err)

	bad := []string{
		`{"input_shape":[1,224,224],"output_shape":[1,1280]}`,
		`{"input_shape":[2,224,224,3],"output_shape":[2,1280]}`,
		`{"input_shape":[1,224,224,3],"output_shape":[1280]}`,
		`{"input_shape":[1,224,224,3],"output_shape":[1,0]}`,
		`{"input_shape":[1,224,224,3],"output_shape":[1,1280],"image_size":256}`,
		`{"input_shape":[1,224,224,3],"output_shape":[1,1280],"layout":"CHW"}`,
	}
	for _, body := range bad {
		_, err := LoadMetadata(writeMetadata(t, body))
		assert.Error(t, err, body)
	}
}
