package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileNameFromURL(t *testing.T) {
	name, err := fileNameFromURL("https://example.com/files/app.tar.gz?sig=1")
	assert.NoError(t, err)
	assert.Equal(t, "app.tar.gz", name)

	_, err = fileNameFromURL("https://example.com/")
	assert.Error(t, err)
}
